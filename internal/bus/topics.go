package bus

import "time"

// Telemetry topics.
const (
	TopicTelemetry           = "telemetry."
	TopicActivationRecorded  = "telemetry.activation_recorded"
	TopicOutcomeRecorded     = "telemetry.outcome_recorded"
	TopicInteractionRecorded = "telemetry.interaction_recorded"
)

// Evolution topics.
const (
	TopicEvolution           = "evolution."
	TopicRunStarted          = "evolution.run_started"
	TopicGenerationCompleted = "evolution.generation_completed"
	TopicRunFinished         = "evolution.run_finished"
	TopicPatternsDiscovered  = "evolution.patterns_discovered"
)

// ActivationRecordedEvent is published after an activation row commits.
type ActivationRecordedEvent struct {
	TaskID   string    `json:"task_id"`
	RuleID   string    `json:"rule_id"`
	PrevRule string    `json:"prev_rule,omitempty"`
	Success  bool      `json:"success"`
	At       time.Time `json:"at"`
}

type OutcomeRecordedEvent struct {
	TaskID  string   `json:"task_id"`
	Rules   []string `json:"rules"`
	Status  string   `json:"status"`
	Quality float64  `json:"quality"`
}

type InteractionRecordedEvent struct {
	TaskID string   `json:"task_id"`
	Rules  []string `json:"rules"`
	Kind   string   `json:"kind"`
	Effect float64  `json:"effect"`
}

type RunStartedEvent struct {
	RunID       string `json:"run_id"`
	Budget      int    `json:"budget"`
	Population  int    `json:"population"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// GenerationCompletedEvent is published at each generation boundary.
type GenerationCompletedEvent struct {
	RunID       string   `json:"run_id"`
	Generation  int      `json:"generation"`
	BestFitness float64  `json:"best_fitness"`
	MeanFitness float64  `json:"mean_fitness"`
	BestRules   []string `json:"best_rules"`
	HallOfFame  int      `json:"hall_of_fame"`
}

type RunFinishedEvent struct {
	RunID       string  `json:"run_id"`
	Reason      string  `json:"reason"`
	Generations int     `json:"generations"`
	BestFitness float64 `json:"best_fitness"`
	Error       string  `json:"error,omitempty"`
}

type PatternsDiscoveredEvent struct {
	Count int      `json:"count"`
	Names []string `json:"names"`
}
