// Package progress holds the streak, statistics, achievement and leveling rules
// applied to every recorded problem session. It never touches storage.
package progress

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shalteor/zerotrace/internal/models"
)

const (
	BaseExperience     = 50
	PerfectBonus       = 50
	ExperiencePerLevel = 1000
	LevelMultiplier    = 1.2

	// WeeklyBuckets is how many weeks of activity are kept
	WeeklyBuckets = 8

	dateLayout = "2006-01-02"
)

var difficultyBonus = map[models.Difficulty]int{
	models.DifficultyEasy:   10,
	models.DifficultyMedium: 25,
	models.DifficultyHard:   50,
	models.DifficultyExpert: 100,
}

// Earlier phases are more efficient and earn more
var phaseBonus = map[int]int{1: 100, 2: 75, 3: 50, 4: 25, 5: 10}

// Outcome is the result of recording one session
type Outcome struct {
	State            *models.GamificationState
	Session          models.ProblemSession
	Streak           models.StreakUpdate
	Unlocked         []models.AchievementUnlockEvent
	LevelUps         []models.LevelUpEvent
	ExperienceGained int
}

// Observer receives outcomes after they have been persisted
type Observer func(Outcome)

// Engine applies sessions to state and fans outcomes out to observers
type Engine struct {
	mu        sync.RWMutex
	nextID    int
	observers map[int]Observer
}

// NewEngine creates an Engine with no observers
func NewEngine() *Engine {
	return &Engine{observers: make(map[int]Observer)}
}

// Subscribe registers obs and returns a func that removes it
func (e *Engine) Subscribe(obs Observer) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.observers[id] = obs

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers, id)
	}
}

// Notify calls every observer synchronously with out
func (e *Engine) Notify(out Outcome) {
	e.mu.RLock()
	ids := make([]int, 0, len(e.observers))
	for id := range e.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	obs := make([]Observer, 0, len(ids))
	for _, id := range ids {
		obs = append(obs, e.observers[id])
	}
	e.mu.RUnlock()

	for _, o := range obs {
		o(out)
	}
}

// Record applies session to a copy of state. state itself is not modified.
func (e *Engine) Record(state *models.GamificationState, session models.ProblemSession, now time.Time) Outcome {
	next := state.Clone()
	next.Normalize()

	next.ProblemSessions = append(next.ProblemSessions, session)

	out := Outcome{State: next, Session: session}
	out.Streak = updateStreak(&next.Streak, session, now)
	updateStats(&next.ProgressStats, session)
	out.Unlocked = checkAchievements(next, session, now)
	out.ExperienceGained = ExperienceFor(session)
	out.LevelUps = addExperience(next, out.ExperienceGained, now)

	return out
}

// RequiredExperience returns the experience needed to leave level. It
// saturates at math.MaxInt once the threshold no longer fits.
func RequiredExperience(level int) int {
	if level < 1 {
		level = 1
	}
	req := math.Floor(ExperiencePerLevel * math.Pow(LevelMultiplier, float64(level-1)))
	if req >= math.MaxInt64 || math.IsInf(req, 0) || math.IsNaN(req) {
		return math.MaxInt
	}
	return int(req)
}

// ExperienceFor returns the experience a session earns
func ExperienceFor(s models.ProblemSession) int {
	xp := BaseExperience + difficultyBonus[s.Difficulty] + phaseBonus[s.Phase]
	if s.TestResults.Perfect() {
		xp += PerfectBonus
	}
	return xp
}

// updateStreak only lets a session solved today move the streak. Backdated
// sessions still count towards TotalSolved.
func updateStreak(st *models.Streak, session models.ProblemSession, now time.Time) models.StreakUpdate {
	upd := models.StreakUpdate{OldStreak: st.CurrentStreak}

	today := now.UTC().Format(dateLayout)
	yesterday := now.UTC().AddDate(0, 0, -1).Format(dateLayout)

	if session.SolvedAt.UTC().Format(dateLayout) == today {
		switch st.LastSolvedDate {
		case today:
			// already counted
		case yesterday:
			st.CurrentStreak++
		default:
			st.CurrentStreak = 1
		}
		st.LastSolvedDate = today
	}

	st.TotalSolved++
	st.ConsecutiveDays = st.CurrentStreak
	if st.CurrentStreak > st.LongestStreak {
		st.LongestStreak = st.CurrentStreak
	}

	upd.NewStreak = st.CurrentStreak
	upd.LongestStreak = st.LongestStreak
	return upd
}

func updateStats(ps *models.ProgressStats, s models.ProblemSession) {
	ps.TotalProblems++
	ps.ProblemsByDifficulty[string(s.Difficulty)]++
	ps.ProblemsByLanguage[s.Language]++

	ps.TotalTimeSpent += s.TimeSpent
	ps.AverageTimeSpent = float64(ps.TotalTimeSpent) / float64(ps.TotalProblems)

	// Weighted over all tests, not a mean of per-session rates
	ps.TestsPassed += s.TestResults.Passed
	ps.TestsTotal += s.TestResults.Total
	if ps.TestsTotal > 0 {
		ps.SuccessRate = float64(ps.TestsPassed) / float64(ps.TestsTotal) * 100
	}

	addWeeklyActivity(ps, WeekStart(s.SolvedAt), s.TimeSpent)
}

// WeekStart returns the Sunday (UTC) starting the week of t as YYYY-MM-DD
func WeekStart(t time.Time) string {
	t = t.UTC()
	return t.AddDate(0, 0, -int(t.Weekday())).Format(dateLayout)
}

func addWeeklyActivity(ps *models.ProgressStats, week string, timeSpent int64) {
	for i := range ps.WeeklyActivity {
		if ps.WeeklyActivity[i].Date == week {
			ps.WeeklyActivity[i].ProblemsSolved++
			ps.WeeklyActivity[i].TimeSpent += timeSpent
			return
		}
	}

	ps.WeeklyActivity = append(ps.WeeklyActivity, models.WeeklyActivity{
		Date:           week,
		ProblemsSolved: 1,
		TimeSpent:      timeSpent,
	})
	// YYYY-MM-DD sorts chronologically as a string
	sort.SliceStable(ps.WeeklyActivity, func(i, j int) bool {
		return ps.WeeklyActivity[i].Date < ps.WeeklyActivity[j].Date
	})

	if n := len(ps.WeeklyActivity); n > WeeklyBuckets {
		ps.WeeklyActivity = append([]models.WeeklyActivity(nil), ps.WeeklyActivity[n-WeeklyBuckets:]...)
	}
}

// progressOf returns how far state is towards achievement id
func progressOf(id string, state *models.GamificationState, s models.ProblemSession) int {
	switch id {
	case models.AchievementFirstProblem,
		models.AchievementProblems10,
		models.AchievementProblems50,
		models.AchievementProblems100:
		return state.ProgressStats.TotalProblems
	case models.AchievementStreak3,
		models.AchievementStreak7,
		models.AchievementStreak30:
		return state.Streak.CurrentStreak
	case models.AchievementPhase1Solver:
		if s.Phase == 1 {
			return 1
		}
	case models.AchievementPolyglot:
		n := 0
		for _, count := range state.ProgressStats.ProblemsByLanguage {
			if count > 0 {
				n++
			}
		}
		return n
	case models.AchievementPerfectScore:
		if s.TestResults.Perfect() {
			return 1
		}
	}
	return 0
}

func checkAchievements(state *models.GamificationState, s models.ProblemSession, now time.Time) []models.AchievementUnlockEvent {
	var events []models.AchievementUnlockEvent

	for i := range state.Achievements {
		a := &state.Achievements[i]
		if a.Unlocked() {
			continue
		}

		p := progressOf(a.ID, state, s)
		if p > a.MaxProgress {
			p = a.MaxProgress
		}
		if p > a.Progress {
			a.Progress = p
		}

		if a.MaxProgress > 0 && p >= a.MaxProgress {
			unlockedAt := now
			a.UnlockedAt = &unlockedAt
			state.TotalPoints += a.Points
			events = append(events, models.AchievementUnlockEvent{
				Achievement:  *a,
				UnlockedAt:   unlockedAt,
				PointsEarned: a.Points,
			})
		}
	}

	return events
}

func addExperience(state *models.GamificationState, xp int, now time.Time) []models.LevelUpEvent {
	var events []models.LevelUpEvent

	state.Experience += xp
	for required := RequiredExperience(state.Level); state.Level < models.MaxLevel && state.Experience >= required; required = RequiredExperience(state.Level) {
		state.Experience -= required
		state.Level++
		events = append(events, models.LevelUpEvent{NewLevel: state.Level, Timestamp: now})
	}

	return events
}
