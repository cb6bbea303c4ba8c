package shared

import "time"

// Client audio is PCM16 little-endian, 24 kHz mono, matching the realtime model's
// audio/pcm input format.
const (
	PCMSampleRate     = 24000
	PCMChannels       = 1
	PCMBytesPerSample = 2
)

// PCMDuration reports how much audio n bytes of PCM16 hold.
func PCMDuration(n, rate, channels int) time.Duration {
	if rate <= 0 || channels <= 0 || n <= 0 {
		return 0
	}
	samples := n / (PCMBytesPerSample * channels)
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
