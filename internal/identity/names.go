package identity

import (
	"fmt"
	"math/rand"
	"strings"
	"unicode"
)

// Coined agent names are adjective+noun pairs (BlueLake, GreenCastle) so
// humans can tell agents apart at a glance in logs and inboxes.
var nameAdjectives = []string{
	"Amber", "Azure", "Black", "Blue", "Bright", "Bronze", "Calm", "Coral",
	"Crimson", "Dusty", "Emerald", "Gold", "Gray", "Green", "Iron", "Ivory",
	"Jade", "Lunar", "Misty", "Night", "Olive", "Opal", "Pale", "Purple",
	"Quiet", "Red", "Ruby", "Rust", "Silent", "Silver", "Snow", "Solar",
	"Swift", "Teal", "Violet", "White", "Wild", "Winter",
}

var nameNouns = []string{
	"Badger", "Bear", "Brook", "Canyon", "Castle", "Cedar", "Cliff", "Cloud",
	"Comet", "Creek", "Crow", "Falcon", "Fern", "Field", "Fox", "Glade",
	"Harbor", "Hawk", "Hill", "Lake", "Lark", "Maple", "Meadow", "Moose",
	"Otter", "Owl", "Peak", "Pine", "Pond", "Raven", "Reef", "Ridge",
	"River", "Sparrow", "Stone", "Summit", "Trail", "Wolf",
}

// coinName produces a random adjective+noun pair, optionally numbered when
// attempt > 0 so collision retries converge.
func coinName(rng *rand.Rand, attempt int) string {
	name := nameAdjectives[rng.Intn(len(nameAdjectives))] + nameNouns[rng.Intn(len(nameNouns))]
	if attempt > 0 {
		name = fmt.Sprintf("%s%d", name, attempt+1)
	}
	return name
}

// normalizeNameHint turns a free-form hint into CamelCase agent-name shape,
// or "" when nothing usable remains.
func normalizeNameHint(hint string) string {
	var b strings.Builder
	upperNext := true
	for _, r := range hint {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if upperNext {
				b.WriteRune(unicode.ToUpper(r))
				upperNext = false
			} else {
				b.WriteRune(r)
			}
		default:
			upperNext = true
		}
	}
	return b.String()
}
