// Package pricing isolates the credit pricing policy. The rule is business
// policy, not a scheduler concern, so the engine takes it as an injected
// function and the concrete rule lives only here and in main.
package pricing

import "math"

// Func prices one generated video given the shared audio duration in
// seconds.
type Func func(audioDurationSec float64) int

// PerHalfMinute is the production rule: one credit covers up to 30 seconds
// of audio, longer clips pay one credit per started 30-second block.
func PerHalfMinute(audioDurationSec float64) int {
	if audioDurationSec <= 30 {
		return 1
	}
	return int(math.Ceil(audioDurationSec / 30))
}
