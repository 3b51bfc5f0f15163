package models

import "time"

// Storage keys used by the gamification core.
const (
	KeyGamification    = "zt:gamification"
	KeyPrivacySettings = "zt:privacy-settings"
	KeyOutboundLog     = "zt:outbound-log"
)

// ExportVersion is written into every export document
const ExportVersion = "1.0.0"

// Envelope is one encrypted snapshot of the gamification state (AES-256-GCM)
type Envelope struct {
	Ciphertext string `json:"encrypted"` // hex(ciphertext || tag)
	IV         string `json:"iv"`        // hex(12 bytes)
	Salt       string `json:"salt"`
}

// Difficulty of a solved problem
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
	DifficultyExpert Difficulty = "expert"
)

// AchievementCategory groups achievements in the dashboard
type AchievementCategory string

const (
	CategoryStreak   AchievementCategory = "streak"
	CategoryProblems AchievementCategory = "problems"
	CategorySessions AchievementCategory = "sessions"
	CategorySpecial  AchievementCategory = "special"
)

// Rarity of an achievement
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// Achievement is a one-time milestone. UnlockedAt is set once and never cleared.
type Achievement struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Icon        string              `json:"icon"`
	Category    AchievementCategory `json:"category"`
	UnlockedAt  *time.Time          `json:"unlockedAt,omitempty"`
	Progress    int                 `json:"progress"`
	MaxProgress int                 `json:"maxProgress"`
	Rarity      Rarity              `json:"rarity"`
	Points      int                 `json:"points"`
}

// Unlocked reports whether the achievement has been earned
func (a *Achievement) Unlocked() bool {
	return a.UnlockedAt != nil
}

// Streak tracks consecutive solving days. LongestStreak >= CurrentStreak.
type Streak struct {
	CurrentStreak   int    `json:"currentStreak"`
	LongestStreak   int    `json:"longestStreak"`
	LastSolvedDate  string `json:"lastSolvedDate"` // YYYY-MM-DD, empty before the first solve
	TotalSolved     int    `json:"totalSolved"`
	ConsecutiveDays int    `json:"consecutiveDays"`
}

// TestResults summarizes the test run of a session
type TestResults struct {
	Passed      int     `json:"passed"`
	Total       int     `json:"total"`
	SuccessRate float64 `json:"successRate"`
}

// Perfect reports whether every test passed and at least one ran
func (t TestResults) Perfect() bool {
	return t.Total > 0 && t.Passed == t.Total
}

// Complexity of the accepted solution
type Complexity struct {
	Time  string `json:"time"`
	Space string `json:"space"`
}

// ProblemSession is an immutable record of one successful solve
type ProblemSession struct {
	ID           string      `json:"id"`
	ProblemID    string      `json:"problemId"`
	ProblemTitle string      `json:"problemTitle,omitempty"`
	Difficulty   Difficulty  `json:"difficulty"`
	Language     string      `json:"language"`
	SolvedAt     time.Time   `json:"solvedAt"`
	TimeSpent    int64       `json:"timeSpent"` // milliseconds
	Phase        int         `json:"phase"`
	TestResults  TestResults `json:"testResults"`
	Complexity   Complexity  `json:"complexity"`
}

// WeeklyActivity is one bucket of the activity chart, keyed by week start date
type WeeklyActivity struct {
	Date           string `json:"date"`
	ProblemsSolved int    `json:"problemsSolved"`
	TimeSpent      int64  `json:"timeSpent"`
}

// ProgressStats is derived from ProblemSessions and maintained incrementally
type ProgressStats struct {
	TotalProblems        int              `json:"totalProblems"`
	ProblemsByDifficulty map[string]int   `json:"problemsByDifficulty"`
	ProblemsByLanguage   map[string]int   `json:"problemsByLanguage"`
	AverageTimeSpent     float64          `json:"averageTimeSpent"`
	SuccessRate          float64          `json:"successRate"` // percent
	FavoriteTopics       []string         `json:"favoriteTopics"`
	WeeklyActivity       []WeeklyActivity `json:"weeklyActivity"`

	// Running sums backing AverageTimeSpent and SuccessRate
	TotalTimeSpent int64 `json:"totalTimeSpent"`
	TestsPassed    int   `json:"testsPassed"`
	TestsTotal     int   `json:"testsTotal"`
}

// GamificationState is the aggregate persisted inside the envelope
type GamificationState struct {
	Achievements    []Achievement    `json:"achievements"`
	Streak          Streak           `json:"streak"`
	ProblemSessions []ProblemSession `json:"problemSessions"`
	ProgressStats   ProgressStats    `json:"progressStats"`
	TotalPoints     int              `json:"totalPoints"`
	Level           int              `json:"level"`
	Experience      int              `json:"experience"`
}

// Achievement returns the achievement with the given id, or nil
func (s *GamificationState) Achievement(id string) *Achievement {
	for i := range s.Achievements {
		if s.Achievements[i].ID == id {
			return &s.Achievements[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers never share slices or maps with the store
func (s *GamificationState) Clone() *GamificationState {
	if s == nil {
		return nil
	}
	c := *s

	c.Achievements = make([]Achievement, len(s.Achievements))
	for i, a := range s.Achievements {
		if a.UnlockedAt != nil {
			t := *a.UnlockedAt
			a.UnlockedAt = &t
		}
		c.Achievements[i] = a
	}

	c.ProblemSessions = append([]ProblemSession(nil), s.ProblemSessions...)

	c.ProgressStats.ProblemsByDifficulty = copyCounts(s.ProgressStats.ProblemsByDifficulty)
	c.ProgressStats.ProblemsByLanguage = copyCounts(s.ProgressStats.ProblemsByLanguage)
	c.ProgressStats.FavoriteTopics = append([]string(nil), s.ProgressStats.FavoriteTopics...)
	c.ProgressStats.WeeklyActivity = append([]WeeklyActivity(nil), s.ProgressStats.WeeklyActivity...)

	return &c
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// PrivacySettings is persisted unencrypted. Only the PIN hash is stored, never the PIN.
type PrivacySettings struct {
	PinHash               string            `json:"pinHash,omitempty"`
	LockoutAttempts       int               `json:"lockoutAttempts"`
	LastLockoutTime       *time.Time        `json:"lastLockoutTime,omitempty"`
	AutoLockTimeout       int               `json:"autoLockTimeout"` // minutes
	EnableAnalytics       bool              `json:"enableAnalytics"`
	EnableProgressSharing bool              `json:"enableProgressSharing"`
	OutboundRequestsLog   []OutboundRequest `json:"outboundRequestsLog"`
}

// DefaultPrivacySettings returns the settings written on first start
func DefaultPrivacySettings() *PrivacySettings {
	return &PrivacySettings{
		AutoLockTimeout:     30,
		EnableAnalytics:     true,
		OutboundRequestsLog: []OutboundRequest{},
	}
}

// OutboundRequest is an audit entry for a network call made for the user.
// The body is never stored, only its SHA-256 hash.
type OutboundRequest struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Method        string    `json:"method"`
	URL           string    `json:"url"`
	BodyHash      string    `json:"bodyHash"`
	UserInitiated bool      `json:"userInitiated"`
	Purpose       string    `json:"purpose"`
}

// ExportDocument is the wire format of ExportData / ImportData
type ExportDocument struct {
	Gamification *GamificationState `json:"gamification"`
	Privacy      *PrivacySettings   `json:"privacy"`
	ExportDate   string             `json:"exportDate"`
	Version      string             `json:"version"`
}

// AchievementUnlockEvent is emitted once per unlocked achievement
type AchievementUnlockEvent struct {
	Achievement  Achievement `json:"achievement"`
	UnlockedAt   time.Time   `json:"unlockedAt"`
	PointsEarned int         `json:"pointsEarned"`
}

// LevelUpEvent is emitted once per level gained
type LevelUpEvent struct {
	NewLevel  int       `json:"newLevel"`
	Timestamp time.Time `json:"timestamp"`
}

// StreakUpdate describes the streak transition caused by one session
type StreakUpdate struct {
	OldStreak     int `json:"oldStreak"`
	NewStreak     int `json:"newStreak"`
	LongestStreak int `json:"longestStreak"`
}
