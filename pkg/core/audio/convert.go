package audio

import (
	"encoding/binary"

	"github.com/zaf/g711"
)

// UlawToPCM16 decodes μ-law to 16-bit little-endian PCM at 8 kHz.
func UlawToPCM16(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// PCM16ToUlaw encodes 16-bit little-endian PCM at 8 kHz to μ-law.
func PCM16ToUlaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// Upsample doubles or triples an 8 kHz PCM16 stream by linear interpolation.
// factor must be >= 1.
func Upsample(pcm []byte, factor int) []byte {
	if factor <= 1 {
		return pcm
	}
	n := len(pcm) / 2
	out := make([]byte, 0, n*factor*2)
	for i := 0; i < n; i++ {
		cur := int32(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		next := cur
		if i+1 < n {
			next = int32(int16(binary.LittleEndian.Uint16(pcm[(i+1)*2:])))
		}
		for k := 0; k < factor; k++ {
			v := cur + (next-cur)*int32(k)/int32(factor)
			out = binary.LittleEndian.AppendUint16(out, uint16(int16(v)))
		}
	}
	return out
}

// Downsample reduces PCM16 by an integer factor, averaging each group of
// samples as a crude low-pass. A trailing partial group is dropped.
func Downsample(pcm []byte, factor int) []byte {
	if factor <= 1 {
		return pcm
	}
	n := len(pcm) / 2 / factor
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		var sum int32
		for k := 0; k < factor; k++ {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[(i*factor+k)*2:])))
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(sum/int32(factor))))
	}
	return out
}

// Framer cuts an arbitrary μ-law byte stream into wire-sized frames,
// carrying the remainder over to the next Push.
type Framer struct {
	buf []byte
}

// Push appends data and returns every complete frame now available.
func (f *Framer) Push(data []byte) [][]byte {
	f.buf = append(f.buf, data...)
	var frames [][]byte
	for len(f.buf) >= FrameBytes {
		frame := make([]byte, FrameBytes)
		copy(frame, f.buf[:FrameBytes])
		frames = append(frames, frame)
		f.buf = f.buf[FrameBytes:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Flush returns the buffered remainder padded with silence, or nil.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	frame := make([]byte, FrameBytes)
	n := copy(frame, f.buf)
	for i := n; i < FrameBytes; i++ {
		frame[i] = UlawSilence
	}
	f.buf = nil
	return frame
}

// Reset discards buffered audio.
func (f *Framer) Reset() { f.buf = nil }
