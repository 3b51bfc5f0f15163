package models

// Achievement ids of the built-in catalog
const (
	AchievementFirstProblem = "first-problem"
	AchievementStreak3      = "streak-3"
	AchievementStreak7      = "streak-7"
	AchievementStreak30     = "streak-30"
	AchievementProblems10   = "problems-10"
	AchievementProblems50   = "problems-50"
	AchievementProblems100  = "problems-100"
	AchievementPhase1Solver = "phase-1-solver"
	AchievementPolyglot     = "all-languages"
	AchievementPerfectScore = "perfect-score"
)

// MaxLevel is the highest reachable level. Thresholds beyond it no longer fit
// in an int.
const MaxLevel = 200

// DefaultAchievements returns a fresh copy of the catalog, all locked
func DefaultAchievements() []Achievement {
	return []Achievement{
		{ID: AchievementFirstProblem, Title: "First Steps", Description: "Solve your first DSA problem", Icon: "🎯", Category: CategoryProblems, MaxProgress: 1, Rarity: RarityCommon, Points: 10},
		{ID: AchievementStreak3, Title: "Getting Hot", Description: "Maintain a 3-day solving streak", Icon: "🔥", Category: CategoryStreak, MaxProgress: 3, Rarity: RarityCommon, Points: 25},
		{ID: AchievementStreak7, Title: "Week Warrior", Description: "Maintain a 7-day solving streak", Icon: "⚡", Category: CategoryStreak, MaxProgress: 7, Rarity: RarityRare, Points: 50},
		{ID: AchievementStreak30, Title: "Month Master", Description: "Maintain a 30-day solving streak", Icon: "👑", Category: CategoryStreak, MaxProgress: 30, Rarity: RarityEpic, Points: 200},
		{ID: AchievementProblems10, Title: "Problem Solver", Description: "Solve 10 DSA problems", Icon: "💪", Category: CategoryProblems, MaxProgress: 10, Rarity: RarityCommon, Points: 30},
		{ID: AchievementProblems50, Title: "Algorithm Expert", Description: "Solve 50 DSA problems", Icon: "🧠", Category: CategoryProblems, MaxProgress: 50, Rarity: RarityRare, Points: 100},
		{ID: AchievementProblems100, Title: "DSA Master", Description: "Solve 100 DSA problems", Icon: "🏆", Category: CategoryProblems, MaxProgress: 100, Rarity: RarityEpic, Points: 300},
		{ID: AchievementPhase1Solver, Title: "Efficient Solver", Description: "Solve a problem in Phase 1 of the pipeline", Icon: "🚀", Category: CategorySessions, MaxProgress: 1, Rarity: RarityRare, Points: 75},
		{ID: AchievementPolyglot, Title: "Polyglot Programmer", Description: "Solve problems in 4 different programming languages", Icon: "🌍", Category: CategorySessions, MaxProgress: 4, Rarity: RarityEpic, Points: 150},
		{ID: AchievementPerfectScore, Title: "Perfect Score", Description: "Pass all test cases on the first try", Icon: "⭐", Category: CategorySessions, MaxProgress: 1, Rarity: RarityLegendary, Points: 500},
	}
}

// DefaultState returns the state used before anything has been recorded
func DefaultState() *GamificationState {
	return &GamificationState{
		Achievements:    DefaultAchievements(),
		ProblemSessions: []ProblemSession{},
		ProgressStats: ProgressStats{
			ProblemsByDifficulty: map[string]int{},
			ProblemsByLanguage:   map[string]int{},
			FavoriteTopics:       []string{},
			WeeklyActivity:       []WeeklyActivity{},
		},
		Level: 1,
	}
}

// Normalize fills fields a decoded document may lack: nil collections,
// a level outside [1, MaxLevel], and catalog achievements added after the
// document was written.
func (s *GamificationState) Normalize() {
	if s.Level < 1 {
		s.Level = 1
	}
	if s.Level > MaxLevel {
		s.Level = MaxLevel
	}
	if s.Experience < 0 {
		s.Experience = 0
	}
	if s.ProblemSessions == nil {
		s.ProblemSessions = []ProblemSession{}
	}
	ps := &s.ProgressStats
	if ps.ProblemsByDifficulty == nil {
		ps.ProblemsByDifficulty = map[string]int{}
	}
	if ps.ProblemsByLanguage == nil {
		ps.ProblemsByLanguage = map[string]int{}
	}
	if ps.FavoriteTopics == nil {
		ps.FavoriteTopics = []string{}
	}
	if ps.WeeklyActivity == nil {
		ps.WeeklyActivity = []WeeklyActivity{}
	}
	for _, a := range DefaultAchievements() {
		if s.Achievement(a.ID) == nil {
			s.Achievements = append(s.Achievements, a)
		}
	}
}
