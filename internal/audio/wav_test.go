package audio

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookbridge/readalong/playback"
)

func TestWAVRoundTrip(t *testing.T) {
	f := Format{SampleRate: 22050, Channels: 1, BitsPerSample: 16}
	pcm := make([]byte, 22050*2) // one second
	for i := range pcm {
		pcm[i] = byte(i)
	}

	got, data, err := DecodeWAV(EncodeWAV(pcm, f))
	require.NoError(t, err)
	assert.Equal(t, f, got)
	assert.Equal(t, pcm, data)
	assert.Equal(t, time.Second, got.Duration(int64(len(data))))
}

func TestDecodeWAVSkipsExtraChunks(t *testing.T) {
	f := Format{SampleRate: 44100, Channels: 2, BitsPerSample: 16}
	pcm := make([]byte, 400)
	wav := EncodeWAV(pcm, f)

	// Insert an odd-sized LIST chunk between fmt and data.
	list := []byte("LIST\x03\x00\x00\x00abc\x00")
	withList := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	got, data, err := DecodeWAV(withList)
	require.NoError(t, err)
	assert.Equal(t, f, got)
	assert.Len(t, data, 400)
}

func TestDecodeWAVErrors(t *testing.T) {
	f := Format{SampleRate: 22050, Channels: 1, BitsPerSample: 16}
	valid := EncodeWAV(make([]byte, 100), f)

	eightBit := append([]byte{}, valid...)
	binary.LittleEndian.PutUint16(eightBit[34:36], 8)

	float := append([]byte{}, valid...)
	binary.LittleEndian.PutUint16(float[20:22], 3)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("this is not audio at all")},
		{"8 bit", eightBit},
		{"float", float},
		{"no data chunk", valid[:36]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeWAV(tt.data)
			assert.ErrorIs(t, err, playback.ErrUnsupportedAudio)
		})
	}
}

func TestDecodeWAVStreamingSize(t *testing.T) {
	f := Format{SampleRate: 22050, Channels: 1, BitsPerSample: 16}
	wav := EncodeWAV(make([]byte, 100), f)
	binary.LittleEndian.PutUint32(wav[40:44], 0xFFFFFFFF)

	_, data, err := DecodeWAV(wav)
	require.NoError(t, err)
	assert.Len(t, data, 100)
}

func TestFormatOffset(t *testing.T) {
	f := Format{SampleRate: 22050, Channels: 2, BitsPerSample: 16}
	assert.Equal(t, int64(0), f.Offset(-time.Second))
	assert.Equal(t, int64(88200), f.Offset(time.Second))
	assert.Zero(t, f.Offset(333*time.Millisecond)%int64(f.FrameSize()))
}
