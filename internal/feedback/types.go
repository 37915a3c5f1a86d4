package feedback

// Verdict values for a rated response.
const (
	VerdictPositive = "up"
	VerdictNegative = "down"
)

// Record is one user rating of one generated response. Records are written
// once and never updated or deleted.
type Record struct {
	ID        int64
	UserID    string
	Question  string
	Response  string
	Verdict   string
	CreatedAt string
}

// Guidance is the learned avoid-list for one recurring question. Keyed by
// the exact question text; upserts overwrite the previous row.
type Guidance struct {
	QuestionPattern string
	BadExamples     []string
	Advisory        string
	CreatedAt       string
}

// QuestionCount is one group of the negative-feedback aggregation.
type QuestionCount struct {
	Question string
	Count    int
}

// UserSummary seeds future prompts with what is known about a user.
type UserSummary struct {
	UserID      string
	Summary     string
	LastUpdated string
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	FeedbackCount int
	NegativeCount int
	GuidanceCount int
	SummaryCount  int
}
