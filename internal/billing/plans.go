package billing

// Plan defines a subscription tier and its monthly usage limits.
// Limits are keyed by quota metric name; -1 means unlimited.
type Plan struct {
	Name        string           `json:"name"`
	MaxChannels int              `json:"max_channels"`
	Limits      map[string]int64 `json:"limits"`
}

// Plans maps plan names to their definitions.
var Plans = map[string]Plan{
	"free": {
		Name:        "free",
		MaxChannels: 1,
		Limits: map[string]int64{
			"comments_synced": 300,
			"ai_analyses":     100,
			"ai_drafts":       10,
			"replies_posted":  5,
		},
	},
	"pro": {
		Name:        "pro",
		MaxChannels: 10,
		Limits: map[string]int64{
			"comments_synced": 20000,
			"ai_analyses":     10000,
			"ai_drafts":       1000,
			"replies_posted":  500,
		},
	},
}

// GetPlan returns the named plan, defaulting to free if unknown.
func GetPlan(name string) Plan {
	if p, ok := Plans[name]; ok {
		return p
	}
	return Plans["free"]
}
