package environment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"narrachat/internal/config"
	"narrachat/internal/lock"
	"narrachat/internal/models"
	"narrachat/internal/service/ai"

	"github.com/cloudwego/eino/schema"
)

const detectionPrompt = `You are an expert in understanding descriptions of places. Given a description, identify and extract the name of that place. If it does not describe a place, return 'False'. Output only single word.

Example 1:
Input: "The kingdom of Avalon was vast and beautiful, filled with green pastures."
Output: "Avalon"

Example 2:
Input: "She walked through the bustling city streets, admiring the architecture."
Output: "False"

Example 3:
Input: "The conference room was filled with people discussing the project."
Output: False

Example 4:
Input: "They explored the dense forest of Eldergrove, where ancient trees stood tall."
Output: "Eldergrove"

Example 5:
Input: "%s"
Output:
`

type Store interface {
	LatestMessage(ctx context.Context, conversationID string) (*models.Message, error)
	FindEnvironment(ctx context.Context, envName string) (*models.Environment, error)
	InsertEnvironment(ctx context.Context, envName, description string) (*models.Environment, bool, error)
	UpdateEnvironmentDescription(ctx context.Context, envName, description string) error
}

// Detection is the model's answer: either a place name or nothing.
type Detection struct {
	Name  string
	Found bool
}

// ParseDetection interprets the bare-token reply. The token false in any case
// means no place was described.
func ParseDetection(raw string) (Detection, error) {
	s := strings.TrimSpace(strings.ReplaceAll(raw, `"`, ""))
	s = strings.TrimSpace(strings.Trim(s, "'"))
	if s == "" {
		return Detection{}, &ai.MalformedOutputError{Step: "environment detection", Raw: raw, Err: errors.New("empty output")}
	}
	if strings.EqualFold(s, "false") {
		return Detection{}, nil
	}
	return Detection{Name: s, Found: true}, nil
}

// Result reports what one pass did.
type Result struct {
	Detection   Detection
	Environment *models.Environment
	Created     bool
	Updated     bool
}

type Extractor struct {
	store     Store
	completer ai.Completer
	locker    lock.Locker
	// updateOnRevisit stores the latest description of a known place in
	// description_updated instead of ignoring it.
	updateOnRevisit bool
}

func NewExtractor(store Store, completer ai.Completer, locker lock.Locker, updateOnRevisit bool) *Extractor {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Extractor{store: store, completer: completer, locker: locker, updateOnRevisit: updateOnRevisit}
}

// ProcessLatestMessage detects a place in the newest message of the
// conversation and records it the first time it is seen.
func (e *Extractor) ProcessLatestMessage(ctx context.Context, conversationID string) (Result, error) {
	latest, err := e.store.LatestMessage(ctx, conversationID)
	if err != nil {
		return Result{}, fmt.Errorf("environment extraction: %w", err)
	}
	raw, err := e.completer.Complete(ctx, config.TaskEnvironment, []*schema.Message{
		schema.SystemMessage(fmt.Sprintf(detectionPrompt, latest.Content)),
	})
	if err != nil {
		return Result{}, fmt.Errorf("environment extraction: %w", err)
	}
	det, err := ParseDetection(raw)
	if err != nil {
		return Result{}, err
	}
	res := Result{Detection: det}
	if !det.Found {
		return res, nil
	}

	unlock, err := e.locker.Lock(ctx, "environment:"+det.Name)
	if err != nil {
		return res, fmt.Errorf("environment extraction: %w", err)
	}
	defer unlock()

	existing, err := e.store.FindEnvironment(ctx, det.Name)
	if err != nil {
		return res, fmt.Errorf("environment extraction: %w", err)
	}
	if existing != nil {
		res.Environment = existing
		if !e.updateOnRevisit {
			return res, nil
		}
		if err := e.store.UpdateEnvironmentDescription(ctx, det.Name, latest.Content); err != nil {
			return res, fmt.Errorf("environment extraction: %w", err)
		}
		existing.DescriptionUpdated = latest.Content
		res.Updated = true
		return res, nil
	}

	env, created, err := e.store.InsertEnvironment(ctx, det.Name, latest.Content)
	if err != nil {
		return res, fmt.Errorf("environment extraction: %w", err)
	}
	res.Environment, res.Created = env, created
	return res, nil
}
