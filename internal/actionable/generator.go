package actionable

import (
	"fmt"
	"path/filepath"

	"callreview-go/internal/aggregator"
	"callreview-go/internal/types"
)

// AttentionRateAlert flags agents whose filed calls mostly fell below threshold.
const AttentionRateAlert = 0.35

type ActionCard struct {
	Agent   string `json:"agent"`
	CallID  string `json:"call_id,omitempty"`
	Insight string `json:"insight"`
	Action  string `json:"action"`
	Impact  string `json:"impact"`
}

// Generate lists what an operator has to look at after a run.
func Generate(r aggregator.Report) []ActionCard {
	var cards []ActionCard
	for _, a := range r.Agents {
		if a.Status != types.JobSucceeded {
			insight := fmt.Sprintf("Job for %s failed after %d attempt(s): %s", a.Agent, a.Attempts, a.Reason)
			if !a.Exhausted {
				insight = fmt.Sprintf("Job for %s did not finish: %s", a.Agent, a.Reason)
			}
			cards = append(cards, ActionCard{
				Agent:   a.Agent,
				Insight: insight,
				Action:  fmt.Sprintf("Inspect %s and rerun the orchestrator", filepath.Join("logs", a.Agent+"_stagerunner_*.err")),
				Impact:  "Calls of this agent stay unprocessed until the job succeeds",
			})
		}

		if a.Summary == nil {
			continue
		}
		for _, o := range a.Summary.Outcomes {
			if o.State != types.CallFailed {
				continue
			}
			cards = append(cards, callCard(a.Agent, o))
		}
		if rate := a.AttentionRate(); rate >= AttentionRateAlert && a.Summary.Filed > 0 {
			cards = append(cards, ActionCard{
				Agent:   a.Agent,
				Insight: fmt.Sprintf("%.0f%% of %s's scored calls need further attention", rate*100, a.Agent),
				Action:  "Schedule coaching review of needs_further_attention calls",
				Impact:  "Raise first-call resolution for this agent",
			})
		}
	}
	return cards
}

func callCard(agent string, o types.CallOutcome) ActionCard {
	card := ActionCard{
		Agent:   agent,
		CallID:  o.CallID,
		Insight: fmt.Sprintf("%s failed at %s (%s)", o.CallID, o.Stage, o.ErrorKind),
		Action:  "Call is retried on the next run",
		Impact:  "Single call not filed",
	}
	switch o.ErrorKind {
	case "destination_conflict":
		card.Action = "Compare the filed analysis with the new score and remove the stale copy by hand"
		card.Impact = "Call filed with a different score; automatic runs will keep skipping it"
	case "malformed_response":
		card.Action = "Check the raw scoring payload in .pipeline/failures and the model prompt"
	case "source_unreadable":
		card.Action = "Replace or remove the unreadable recording"
		card.Impact = "Call will fail on every run until the audio is fixed"
	}
	return card
}
