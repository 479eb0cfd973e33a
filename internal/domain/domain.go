package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleStudent Role = "Student"
	RoleAdmin   Role = "Admin"
)

type Subject string

const (
	SubjectMath     Subject = "Math"
	SubjectScience  Subject = "Science"
	SubjectLanguage Subject = "Language"
	SubjectSocial   Subject = "Social"
	// SubjectSystem marks synthetic attempts created by admin XP awards.
	SubjectSystem Subject = "System"
)

// Subjects lists every subject in display order. SubjectSystem is last
// because it never appears in the quiz setup form.
var Subjects = []Subject{SubjectMath, SubjectScience, SubjectLanguage, SubjectSocial, SubjectSystem}

type Level string

const (
	LevelEasy   Level = "Easy"
	LevelMedium Level = "Medium"
	LevelHard   Level = "Hard"
)

// User is an entry in the user directory. Usernames are unique
// case-insensitively. Passwords are stored and compared in plaintext; that
// is the directory's documented trust model, not an oversight.
type User struct {
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	Role       Role   `json:"role"`
	SpecialKey string `json:"specialKey,omitempty"`
	Token      string `json:"token"`
	CanSkip    bool   `json:"canSkip"`
}

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// Options holds the four answer choices of a multiple-choice question.
type Options struct {
	A string `json:"A"`
	B string `json:"B"`
	C string `json:"C"`
	D string `json:"D"`
}

// Get returns the option text for a choice key, or "" for an unknown key.
func (o Options) Get(key string) string {
	switch key {
	case "A":
		return o.A
	case "B":
		return o.B
	case "C":
		return o.C
	case "D":
		return o.D
	}
	return ""
}

// QuizQuestion is a generated multiple-choice question. Immutable once
// produced; it lives in memory during a game and inside completed attempts.
type QuizQuestion struct {
	Question      string  `json:"question"`
	Options       Options `json:"options"`
	CorrectAnswer string  `json:"correct_answer"`
	Solution      string  `json:"solution"`
}

// QuizSettings describes a quiz generation request.
type QuizSettings struct {
	Subject    Subject `json:"subject"`
	Topic      string  `json:"topic"`
	Level      Level   `json:"level"`
	RandomSeed string  `json:"randomSeed"`
}

// QuizAttempt is an immutable record of a finished quiz. Score and Total are
// decimals because admin XP awards append a synthetic attempt whose
// score/total is amount/20, which is fractional for amounts not divisible
// by 20.
type QuizAttempt struct {
	ID          string          `json:"id"`
	Date        time.Time       `json:"date"`
	Settings    QuizSettings    `json:"settings"`
	Score       decimal.Decimal `json:"score"`
	Total       decimal.Decimal `json:"total"`
	Questions   []QuizQuestion  `json:"questions"`
	UserAnswers map[int]string  `json:"userAnswers"`
}

// BanRecord restricts a user's access. ExpiresAt is epoch milliseconds;
// zero means indefinite. Expired records stay in the table and are treated
// as inactive on read.
type BanRecord struct {
	ExpiresAt int64  `json:"expiresAt"`
	Message   string `json:"message"`
}

// Active reports whether the ban applies at the given instant. Callers must
// re-derive this on every observation; the result must never outlive a
// monitor tick.
func (b BanRecord) Active(now time.Time) bool {
	return b.ExpiresAt == 0 || now.UnixMilli() < b.ExpiresAt
}

type ReportStatus string

const (
	ReportPending  ReportStatus = "pending"
	ReportResolved ReportStatus = "resolved"
	ReportArchived ReportStatus = "archived"
)

// Report is a user-submitted message to the moderation team. Reports change
// status but are never deleted.
type Report struct {
	ID        string       `json:"id"`
	Sender    string       `json:"sender"`
	Message   string       `json:"message"`
	Timestamp int64        `json:"timestamp"`
	Status    ReportStatus `json:"status"`
}

// StudentStats is derived from an identity's attempt history; it is never
// stored.
type StudentStats struct {
	TotalXP            int64           `json:"totalXP"`
	Level              int64           `json:"level"`
	CompletedQuizzes   int             `json:"completedQuizzes"`
	SubjectPerformance map[Subject]int `json:"subjectPerformance"`
}
