package demux

// SEI payload types used by the pipeline (H.264 Annex D / H.265 Annex D).
const (
	SEIPicTiming        = 1
	SEIUserDataT35      = 4
	SEIUserDataUnreg    = 5
	seiRBSPTrailingByte = 0x80
)

// SEIMessage is one sei_message() from an SEI NAL unit, with emulation
// prevention already removed from Payload.
type SEIMessage struct {
	PayloadType int
	Payload     []byte
}

// ParseSEIMessages splits an SEI NAL unit into its messages. headerLen is
// the NAL header size: 1 for H.264, 2 for H.265. Parsing stops at the RBSP
// trailing bits or at the first message whose size overruns the NAL.
func ParseSEIMessages(nal []byte, headerLen int) []SEIMessage {
	if len(nal) <= headerLen {
		return nil
	}
	rbsp := removeEmulationPrevention(nal[headerLen:])

	var msgs []SEIMessage
	i := 0
	for i < len(rbsp) {
		if rbsp[i] == seiRBSPTrailingByte && i == len(rbsp)-1 {
			break
		}

		payloadType := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadType += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadType += int(rbsp[i])
		i++

		payloadSize := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadSize += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadSize += int(rbsp[i])
		i++

		if i+payloadSize > len(rbsp) {
			break
		}
		msgs = append(msgs, SEIMessage{PayloadType: payloadType, Payload: rbsp[i : i+payloadSize]})
		i += payloadSize
	}
	return msgs
}

// IsCaptionSEI reports whether an SEI NAL unit carries ATSC A/53 cc_data
// in a user_data_registered_itu_t_t35 message.
func IsCaptionSEI(nal []byte, headerLen int) bool {
	for _, msg := range ParseSEIMessages(nal, headerLen) {
		if msg.PayloadType == SEIUserDataT35 && isA53CCData(msg.Payload) {
			return true
		}
	}
	return false
}

func isA53CCData(p []byte) bool {
	// country US (0xB5), provider ATSC (0x0031), "GA94", cc_data (0x03)
	return len(p) >= 8 &&
		p[0] == 0xB5 && p[1] == 0x00 && p[2] == 0x31 &&
		p[3] == 'G' && p[4] == 'A' && p[5] == '9' && p[6] == '4' &&
		p[7] == 0x03
}

// BuildSEI encodes msgs into an SEI NAL unit behind the given NAL header,
// appending RBSP trailing bits and inserting emulation prevention bytes.
func BuildSEI(header []byte, msgs ...SEIMessage) []byte {
	var rbsp []byte
	for _, m := range msgs {
		rbsp = appendSEIValue(rbsp, m.PayloadType)
		rbsp = appendSEIValue(rbsp, len(m.Payload))
		rbsp = append(rbsp, m.Payload...)
	}
	rbsp = append(rbsp, seiRBSPTrailingByte)

	out := append([]byte(nil), header...)
	return append(out, addEmulationPrevention(rbsp)...)
}

func appendSEIValue(dst []byte, v int) []byte {
	for v >= 255 {
		dst = append(dst, 0xFF)
		v -= 255
	}
	return append(dst, byte(v))
}

func addEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/64)
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
