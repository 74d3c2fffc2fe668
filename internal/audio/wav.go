package audio

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/bookbridge/readalong/playback"
)

// WAV format constants.
const (
	// HeaderSize is the size of a canonical WAV header in bytes.
	HeaderSize = 44

	// FormatPCM is the audio format code for uncompressed PCM.
	FormatPCM = 1
)

// Format describes 16-bit PCM audio.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// FrameSize returns the size of one sample across all channels.
func (f Format) FrameSize() int {
	return f.Channels * f.BitsPerSample / 8
}

// Duration returns the play time of n bytes.
func (f Format) Duration(n int64) time.Duration {
	bps := int64(f.BytesPerSecond())
	if bps <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / bps)
}

// Offset returns the byte offset of d, aligned to a frame.
func (f Format) Offset(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	n := int64(d) * int64(f.BytesPerSecond()) / int64(time.Second)
	frame := int64(f.FrameSize())
	if frame > 0 {
		n -= n % frame
	}
	return n
}

// DecodeWAV returns the format and PCM payload of a RIFF/WAVE file.
// Only uncompressed 16-bit PCM is accepted.
func DecodeWAV(data []byte) (Format, []byte, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Format{}, nil, fmt.Errorf("%w: not a RIFF/WAVE file", playback.ErrUnsupportedAudio)
	}

	var (
		f       Format
		haveFmt bool
	)
	p := 12
	for p+8 <= len(data) {
		id := string(data[p : p+4])
		size := int(binary.LittleEndian.Uint32(data[p+4 : p+8]))
		body := p + 8
		if size < 0 || body+size > len(data) {
			// Streams written before their length was known carry a bogus
			// data size; take the rest of the file.
			if id == "data" && haveFmt {
				size = len(data) - body
			} else {
				return Format{}, nil, fmt.Errorf("%w: truncated %q chunk", playback.ErrUnsupportedAudio, id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, nil, fmt.Errorf("%w: short fmt chunk", playback.ErrUnsupportedAudio)
			}
			if code := binary.LittleEndian.Uint16(data[body : body+2]); code != FormatPCM {
				return Format{}, nil, fmt.Errorf("%w: format code %d", playback.ErrUnsupportedAudio, code)
			}
			f.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			f.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			if f.BitsPerSample != 16 {
				return Format{}, nil, fmt.Errorf("%w: %d bits per sample", playback.ErrUnsupportedAudio, f.BitsPerSample)
			}
			if f.Channels < 1 || f.Channels > 2 || f.SampleRate <= 0 {
				return Format{}, nil, fmt.Errorf("%w: %d channels at %d Hz", playback.ErrUnsupportedAudio, f.Channels, f.SampleRate)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, nil, fmt.Errorf("%w: data before fmt chunk", playback.ErrUnsupportedAudio)
			}
			pcm := data[body : body+size]
			pcm = pcm[:len(pcm)-len(pcm)%f.FrameSize()]
			return f, pcm, nil
		}

		// chunks are word aligned
		p = body + size + size%2
	}
	return Format{}, nil, fmt.Errorf("%w: no data chunk", playback.ErrUnsupportedAudio)
}

// EncodeWAV adds a canonical WAV header to raw PCM data.
func EncodeWAV(pcm []byte, f Format) []byte {
	header := make([]byte, HeaderSize)

	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], FormatPCM)
	binary.LittleEndian.PutUint16(header[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(header[32:34], uint16(f.FrameSize()))
	binary.LittleEndian.PutUint16(header[34:36], uint16(f.BitsPerSample))

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))

	return append(header, pcm...)
}
