// Package audio implements the client-side media pipelines for Skylark:
// PCM sample conversion, the Opus codec adapter with its raw-PCM
// fallback, the microphone capture pipeline, and the ordered playback
// pipeline.
//
// The two pipeline types ([Capture], [Player]) sit on either side of a
// session: capture turns a [Source]'s live PCM into fixed-duration
// encoded frames for sending, playback turns received opaque frames
// back into audible output on a [Sink]. Neither pipeline knows about
// the transport; they exchange only byte slices with their caller.
package audio

// Float32ToPCM16 converts 32-bit float samples in [-1.0, 1.0] to
// little-endian 16-bit signed PCM bytes. Samples outside the range are
// clipped symmetrically. Positive and negative samples use distinct
// scale factors (32767 vs 32768) so that exactly +1.0 cannot overflow
// int16.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		var v int16
		if s >= 0 {
			v = int16(s * 32767)
		} else {
			v = int16(s * 32768)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToFloat32 reinterprets little-endian 16-bit signed PCM bytes as
// float samples normalised by 1/32768. A trailing odd byte is ignored.
func PCM16ToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		v := int16(b[i*2]) | int16(b[i*2+1])<<8
		out[i] = float32(v) / 32768
	}
	return out
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// FrameBufferSize returns the smallest power of two that holds one
// frame of frameMs milliseconds at sampleRate. Fixed-buffer capture
// backends (script-processor style nodes) only accept power-of-two
// buffer lengths; sources built on such backends should read in
// FrameBufferSize chunks and let [Capture] re-chunk to exact frames.
func FrameBufferSize(sampleRate, frameMs int) int {
	samples := sampleRate * frameMs / 1000
	size := 1
	for size < samples {
		size <<= 1
	}
	return size
}
