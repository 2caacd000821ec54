package emit

// Debug overlay: paints per-channel activity markers and a frame
// counter into the nametable during vblank. Pure add-on; it never
// touches the APU, so enabling it cannot change playback.
const overlayAsm = `; ---------------------------------------------------------------
; overlay_update: channel activity row plus a frame counter, drawn
; at the top of the nametable. Runs after the driver inside vblank.
; ---------------------------------------------------------------
overlay_update:
    lda $2002             ; reset the address latch
    lda #$20
    sta $2006
    lda #$42
    sta $2006
    ldx #$00
@marks:
    lda chn_sounding,x
    beq @off
    lda #$2A              ; '*'
    bne @draw
@off:
    lda #$2D              ; '-'
@draw:
    sta $2007
    inx
    cpx #$05
    bne @marks

    ; frame counter, three hex bytes
    lda #$20
    sta $2006
    lda #$4A
    sta $2006
    lda frame_hi
    jsr overlay_hex
    lda frame_mid
    jsr overlay_hex
    lda frame_lo
    jsr overlay_hex

    lda #$00              ; restore scroll
    sta $2005
    sta $2005
    rts

overlay_hex:
    pha
    lsr a
    lsr a
    lsr a
    lsr a
    jsr overlay_digit
    pla
    and #$0F
overlay_digit:
    cmp #$0A
    bcc @num
    adc #$06              ; carry set: skip to the letter tiles
@num:
    adc #$30
    sta $2007
    rts
`
