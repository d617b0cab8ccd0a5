package presence

// Status glyphs.
const (
	GlyphIdle         = "🌐" // on the website only
	GlyphOffline      = "⚫"
	GlyphJoinMe       = "🔵"
	GlyphActive       = "🟢"
	GlyphAskMe        = "🟠"
	GlyphDoNotDisturb = "🔴"
	GlyphUnknown      = "❌"
)

// StatusEmoji maps a (status, location) pair to exactly one glyph.
//
// Location is checked first: an offline location is "idle" when the status
// is still active and "offline" otherwise. Status alone decides the rest.
func StatusEmoji(status, location string) string {
	if location == LocationOffline {
		if status == StatusActive {
			return GlyphIdle
		}
		return GlyphOffline
	}
	switch status {
	case StatusJoinMe:
		return GlyphJoinMe
	case StatusActive:
		return GlyphActive
	case StatusAskMe:
		return GlyphAskMe
	case StatusDoNotDisturb:
		return GlyphDoNotDisturb
	default:
		return GlyphUnknown
	}
}

// Emoji is StatusEmoji for f.
func (f Friend) Emoji() string { return StatusEmoji(f.Status, f.Location) }
