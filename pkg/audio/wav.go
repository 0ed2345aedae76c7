package audio

import (
	"bytes"
	"encoding/binary"
)

// wavHeaderSize is the size of a canonical PCM RIFF/WAVE header.
const wavHeaderSize = 44

// EncodeWAV wraps raw int16 PCM in a WAV container.
func EncodeWAV(pcm []byte, f Format) []byte {
	const bitsPerSample = 16
	byteRate := f.SampleRate * f.Channels * bitsPerSample / 8
	blockAlign := f.Channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(f.Channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(f.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// WAVClip encodes pcm as a WAV [Clip].
func WAVClip(pcm []byte, f Format) Clip {
	return Clip{Data: EncodeWAV(pcm, f), MIMEType: "audio/wav"}
}
