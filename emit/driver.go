package emit

// The playback driver. It runs once per NMI and walks each channel's
// reference and residual lists, decoding the current frame's cell and
// writing the APU in a fixed order: timer-low, timer-high+length, then
// control. The Go model in the simulate package implements the same
// walk; the two must agree on every byte of the blob.

const zeropageAsm = `.segment "ZEROPAGE"
ptr1:            .res 2
ptr2:            .res 2
frame_lo:        .res 1
frame_mid:       .res 1
frame_hi:        .res 1
song_done:       .res 1
cell_flags:      .res 1
cell_control:    .res 1
cell_pitch:      .res 1
cell_aux:        .res 1
chn_ref_ptr_lo:  .res 5
chn_ref_ptr_hi:  .res 5
chn_ref_wait_lo: .res 5
chn_ref_wait_hi: .res 5
chn_ref_chain:   .res 5
chn_ref_done:    .res 5
chn_res_ptr_lo:  .res 5
chn_res_ptr_hi:  .res 5
chn_res_wait_lo: .res 5
chn_res_wait_hi: .res 5
chn_res_chain:   .res 5
chn_res_done:    .res 5
chn_pat_ptr_lo:  .res 5
chn_pat_ptr_hi:  .res 5
chn_pat_remain:  .res 5
chn_transpose:   .res 5
chn_voldelta:    .res 5
chn_prev_note:   .res 5
chn_sounding:    .res 5
`

const resetAsm = `reset:
    sei
    cld
    ldx #$40
    stx $4017             ; frame counter: no IRQ
    ldx #$FF
    txs
    inx                   ; X = 0
    stx $2000             ; NMI off while we set up
    stx $2001
    stx $4010             ; DPCM IRQ off

    bit $2002
@vwait1:
    bit $2002
    bpl @vwait1

@clrram:
    lda #$00
    sta $0000,x
    sta $0100,x
    sta $0300,x
    sta $0400,x
    sta $0500,x
    sta $0600,x
    sta $0700,x
    inx
    bne @clrram

@vwait2:
    bit $2002
    bpl @vwait2

%MAPPERINIT%    jsr music_init

    lda #%10000000
    sta $2000             ; enable NMI
@idle:
    jmp @idle

nmi:
    pha
    txa
    pha
    tya
    pha
    jsr update_music
%OVERLAYCALL%    pla
    tay
    pla
    tax
    pla
irq:
    rti
`

const driverAsm = `; ---------------------------------------------------------------
; music_init: reset playback state and prime every channel's lists.
; ---------------------------------------------------------------
music_init:
    lda #$0F
    sta $4015             ; tone channels on, DPCM off until triggered
    lda #$30
    sta $4000
    sta $4004
    sta $400C
    lda #$00
    sta $4008

    lda #$00
    sta frame_lo
    sta frame_mid
    sta frame_hi
    sta song_done

    ldx #$04
@chn:
    lda #$00
    sta chn_pat_remain,x
    sta chn_ref_done,x
    sta chn_res_done,x
    sta chn_sounding,x
    sta chn_transpose,x
    sta chn_voldelta,x
    lda #$FF
    sta chn_prev_note,x

    ; ref list pointer = song_data + ref_list_off[x]
    txa
    asl a
    asl a
    asl a                 ; x * 8
    tay
    lda song_data+16,y
    clc
    adc #<song_data
    sta chn_ref_ptr_lo,x
    lda song_data+17,y
    adc #>song_data
    sta chn_ref_ptr_hi,x
    jsr load_ref_delta

    ; residual list pointer = song_data + residual_off[x]
    txa
    asl a
    asl a
    asl a
    tay
    lda song_data+20,y
    clc
    adc #<song_data
    sta chn_res_ptr_lo,x
    lda song_data+21,y
    adc #>song_data
    sta chn_res_ptr_hi,x
    jsr load_res_delta

    dex
    bpl @chn
    rts

; ---------------------------------------------------------------
; update_music: one frame of playback, called from the NMI.
; ---------------------------------------------------------------
update_music:
    lda song_done
    beq @run
    rts
@run:
    ldx #$00
@each:
    jsr update_channel
    inx
    cpx #$05
    bne @each

    ; frame counter and song end
    inc frame_lo
    bne @counted
    inc frame_mid
    bne @counted
    inc frame_hi
@counted:
    lda frame_lo
    cmp song_data+0
    bne @alive
    lda frame_mid
    cmp song_data+1
    bne @alive
    lda frame_hi
    cmp song_data+2
    bne @alive
    ; song over: loop or stop
    lda song_data+4
    and song_data+5
    and song_data+6
    and song_data+7
    cmp #$FF
    beq @stop
    jsr music_init
    rts
@stop:
    lda #$01
    sta song_done
    jsr silence_all
@alive:
    rts

silence_all:
    lda #$30
    sta $4000
    sta $4004
    sta $400C
    lda #$00
    sta $4008
    lda #$0F
    sta $4015
    rts

; ---------------------------------------------------------------
; update_channel: decode and play channel X's cell for this frame.
; ---------------------------------------------------------------
update_channel:
    ; count down to the next reference start
    lda chn_ref_done,x
    bne @refs_done
    lda chn_ref_wait_lo,x
    ora chn_ref_wait_hi,x
    bne @ref_tick
    lda chn_ref_chain,x
    beq @ref_start
    jsr load_ref_delta    ; chained long gap: count the next link from this frame
    jmp update_channel
@ref_start:
    jsr start_reference
    jmp @refs_done
@ref_tick:
    lda chn_ref_wait_lo,x
    bne :+
    dec chn_ref_wait_hi,x
:   dec chn_ref_wait_lo,x
@refs_done:

    ; residual countdown ticks every frame, also under a pattern
    lda #$00
    sta cell_aux          ; residual-hit flag for this frame
@res_check:
    lda chn_res_done,x
    bne @res_ticked
    lda chn_res_wait_lo,x
    ora chn_res_wait_hi,x
    bne @res_tick
    lda chn_res_chain,x
    beq @res_hit
    jsr load_res_delta    ; chained long gap: count the next link from this frame
    jmp @res_check
@res_hit:
    lda #$01
    sta cell_aux
    jmp @res_ticked
@res_tick:
    lda chn_res_wait_lo,x
    bne :+
    dec chn_res_wait_hi,x
:   dec chn_res_wait_lo,x
@res_ticked:

    ; a running pattern supplies the cell
    lda chn_pat_remain,x
    beq @no_pattern
    dec chn_pat_remain,x
    jsr read_pattern_cell
    jmp play_cell
@no_pattern:
    lda cell_aux
    beq @silent
    jsr read_residual_cell
    jsr load_res_delta
    jmp play_cell
@silent:
    lda #$00
    sta cell_flags
    jmp play_cell

; ---------------------------------------------------------------
; start_reference: the countdown hit zero; read the 6-byte record,
; point at the pattern's cells and reload the countdown.
; ---------------------------------------------------------------
start_reference:
    ; the wait links are already consumed, so the pointer sits on the
    ; 4-byte payload: id.w, transpose, volume delta
    lda chn_ref_ptr_lo,x
    sta ptr1
    lda chn_ref_ptr_hi,x
    sta ptr1+1
    ldy #$00
    lda (ptr1),y          ; pattern id low (the library stays under 256)
    asl a
    sta ptr2              ; id * 4
    lda #$00
    rol a
    sta ptr2+1
    asl ptr2
    rol ptr2+1
    ldy #$02
    lda (ptr1),y
    sta chn_transpose,x
    iny
    lda (ptr1),y
    sta chn_voldelta,x

    ; pattern record address = song_data + pattern_table[id]
    lda song_data+12
    clc
    adc ptr2
    sta ptr2
    lda song_data+13
    adc ptr2+1
    sta ptr2+1
    lda ptr2
    clc
    adc #<song_data
    sta ptr2
    lda ptr2+1
    adc #>song_data
    sta ptr2+1
    ldy #$00
    lda (ptr2),y          ; table entry: record offset low
    sta ptr1
    iny
    lda (ptr2),y
    sta ptr1+1
    lda ptr1
    clc
    adc #<song_data
    sta ptr1
    lda ptr1+1
    adc #>song_data
    sta ptr1+1

    ldy #$00
    lda (ptr1),y          ; record: length byte
    sta chn_pat_remain,x
    lda ptr1
    clc
    adc #$01
    sta chn_pat_ptr_lo,x
    lda ptr1+1
    adc #$00
    sta chn_pat_ptr_hi,x

    ; step past the payload and load the next start delta
    lda chn_ref_ptr_lo,x
    clc
    adc #$04
    sta chn_ref_ptr_lo,x
    bcc :+
    inc chn_ref_ptr_hi,x
:   jmp load_ref_delta

; load_ref_delta reads one u16 wait link. $FFFF ends the list, $FFFE
; waits out a long gap and chains to the next link.
load_ref_delta:
    lda chn_ref_ptr_lo,x
    sta ptr1
    lda chn_ref_ptr_hi,x
    sta ptr1+1
    ldy #$00
    lda (ptr1),y
    sta chn_ref_wait_lo,x
    iny
    lda (ptr1),y
    sta chn_ref_wait_hi,x
    and chn_ref_wait_lo,x
    cmp #$FF
    bne @check_chain
    lda chn_ref_wait_lo,x
    cmp #$FF
    beq @done             ; $FFFF: list exhausted
    ; $FFFE: consume the link and wait the full span
    lda #$01
    sta chn_ref_chain,x
    jmp @advance
@check_chain:
    lda #$00
    sta chn_ref_chain,x
@advance:
    lda chn_ref_ptr_lo,x
    clc
    adc #$02
    sta chn_ref_ptr_lo,x
    bcc :+
    inc chn_ref_ptr_hi,x
:   rts
@done:
    lda #$01
    sta chn_ref_done,x
    rts

load_res_delta:
    lda chn_res_ptr_lo,x
    sta ptr1
    lda chn_res_ptr_hi,x
    sta ptr1+1
    ldy #$00
    lda (ptr1),y
    sta chn_res_wait_lo,x
    iny
    lda (ptr1),y
    sta chn_res_wait_hi,x
    and chn_res_wait_lo,x
    cmp #$FF
    bne @check_chain
    lda chn_res_wait_lo,x
    cmp #$FF
    beq @done
    lda #$01
    sta chn_res_chain,x
    jmp @advance
@check_chain:
    lda #$00
    sta chn_res_chain,x
@advance:
    lda chn_res_ptr_lo,x
    clc
    adc #$02
    sta chn_res_ptr_lo,x
    bcc :+
    inc chn_res_ptr_hi,x
:   rts
@done:
    lda #$01
    sta chn_res_done,x
    rts

read_pattern_cell:
    lda chn_pat_ptr_lo,x
    sta ptr1
    lda chn_pat_ptr_hi,x
    sta ptr1+1
    ldy #$00
    lda (ptr1),y
    sta cell_flags
    iny
    lda (ptr1),y
    sta cell_control
    iny
    lda (ptr1),y
    clc
    adc chn_transpose,x   ; transpose applies before the table lookup
    sta cell_pitch
    lda chn_pat_ptr_lo,x
    clc
    adc #$04
    sta chn_pat_ptr_lo,x
    bcc :+
    inc chn_pat_ptr_hi,x
:   lda chn_voldelta,x
    beq @done
    jsr apply_voldelta
@done:
    rts

read_residual_cell:
    lda chn_res_ptr_lo,x
    sta ptr1
    lda chn_res_ptr_hi,x
    sta ptr1+1
    ldy #$00
    lda (ptr1),y
    sta cell_flags
    iny
    lda (ptr1),y
    sta cell_control
    iny
    lda (ptr1),y
    sta cell_pitch
    lda chn_res_ptr_lo,x
    clc
    adc #$04
    sta chn_res_ptr_lo,x
    bcc :+
    inc chn_res_ptr_hi,x
:   rts

; apply_voldelta adjusts the control byte's volume nibble, clamped to
; 0..15. Triangle and DPCM never carry a delta.
apply_voldelta:
    cpx #$02
    beq @skip
    cpx #$04
    beq @skip
    lda cell_flags
    and #$01
    beq @skip
    lda cell_control
    and #$0F
    clc
    adc chn_voldelta,x
    bpl @no_floor
    lda #$00
@no_floor:
    cmp #$10
    bcc @no_ceil
    lda #$0F
@no_ceil:
    sta ptr2
    lda cell_control
    and #$F0
    ora ptr2
    sta cell_control
@skip:
    rts

; ---------------------------------------------------------------
; play_cell: write the decoded cell to channel X's registers.
; Write order: timer-low, timer-high+length, control.
; ---------------------------------------------------------------
play_cell:
    lda cell_flags
    and #$01
    bne @active
    ; silent frame: one silencing write at the note boundary
    lda chn_sounding,x
    beq @quiet
    lda #$00
    sta chn_sounding,x
    lda #$FF
    sta chn_prev_note,x
    cpx #$02
    beq @tri_off
    cpx #$04
    beq @dpcm_off
    lda #$30
    jmp write_control
@tri_off:
    lda #$00
    jmp write_control
@dpcm_off:
    lda #$0F
    sta $4015
@quiet:
    rts

@active:
    cpx #$04
    beq play_dpcm
    ; pitch registers only on retrigger or a changed note
    lda cell_flags
    and #$02
    bne @write_pitch
    lda cell_pitch
    cmp chn_prev_note,x
    beq @pitch_done
@write_pitch:
    jsr write_timer
@pitch_done:
    lda cell_pitch
    sta chn_prev_note,x
    lda #$01
    sta chn_sounding,x
    lda cell_control
    jmp write_control

play_dpcm:
    lda #$01
    sta chn_sounding,x
    lda cell_control
    sta $4010
    ldy cell_pitch
    lda dpcm_addr_table,y
    sta $4012
    lda dpcm_len_table,y
    sta $4013
    lda #$0F
    sta $4015             ; restart the sample channel
    lda #$1F
    sta $4015
    rts

; write_timer: look up the cell's pitch and write the period pair.
write_timer:
    cpx #$02
    beq @triangle
    cpx #$03
    beq @noise
    ldy cell_pitch
    lda pulse_table_lo,y
    jsr write_timer_lo
    ldy cell_pitch
    lda pulse_table_hi,y
    ora #$F8              ; reload the length counter with the longest value
    jmp write_timer_hi
@triangle:
    ldy cell_pitch
    lda tri_table_lo,y
    jsr write_timer_lo
    ldy cell_pitch
    lda tri_table_hi,y
    ora #$F8
    jmp write_timer_hi
@noise:
    lda cell_pitch
    jsr write_noise_period
    lda #$F8
    jmp write_timer_hi

write_timer_lo:
    ldy chn_reg_timer_lo,x
    sta $4000,y
    rts

write_timer_hi:
    ldy chn_reg_timer_hi,x
    sta $4000,y
    rts

write_noise_period:
    sta $400E
    rts

write_control:
    ldy chn_reg_control,x
    sta $4000,y
    rts
`

// Register offsets from $4000, indexed by channel.
const registerTablesAsm = `chn_reg_control:
    .byte $00, $04, $08, $0C, $10
chn_reg_timer_lo:
    .byte $02, $06, $0A, $0E, $12
chn_reg_timer_hi:
    .byte $03, $07, $0B, $0F, $13
`
