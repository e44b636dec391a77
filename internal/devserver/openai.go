package devserver

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/responses"

	"github.com/ricochet1k/leostream/pkg/stream"
)

const leoInstructions = `You write programs in the Leo language for the Aleo blockchain.
Answer with the complete contents of src/main.leo and nothing else: no prose,
no markdown fences.`

// OpenAIGenerator streams model output as CODE_CHUNK events. It does not build
// the result.
type OpenAIGenerator struct {
	client openai.Client
	model  string
	log    hclog.Logger
}

func NewOpenAIGenerator(apiKey, model string, logger hclog.Logger, opts ...option.RequestOption) *OpenAIGenerator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAIGenerator{
		client: openai.NewClient(opts...),
		model:  model,
		log:    logger,
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, job Job, emit func(stream.StreamEvent)) error {
	emit(job.Event(stream.EventTypeThinking, "Analyzing project requirements...", ""))

	prompt := fmt.Sprintf("Project name: %s\nProgram id: %s.aleo\n\n%s",
		job.Request.ProjectName, ProgramName(job.Request.ProjectName), job.Request.ProjectDescription)

	s := g.client.Responses.NewStreaming(ctx, responses.ResponseNewParams{
		Instructions: param.NewOpt(leoInstructions),
		Input:        responses.ResponseNewParamsInputUnion{OfString: param.NewOpt(prompt)},
		Model:        g.model,
	})
	defer s.Close()

	emit(job.Event(stream.EventTypeGenerating, "Generating Leo code with "+g.model, ""))
	chunks := 0
	for s.Next() {
		data := s.Current()
		switch ev := data.AsAny().(type) {
		case responses.ResponseTextDeltaEvent:
			if ev.Delta == "" {
				continue
			}
			chunks++
			emit(job.Event(stream.EventTypeCodeChunk, "", ev.Delta))
		case responses.ResponseTextDoneEvent:
			g.log.Debug("model output done", "session_id", job.SessionID, "chars", len(ev.Text))
		default:
			g.log.Trace("unhandled stream event", "type", data.Type)
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	if chunks == 0 {
		return fmt.Errorf("openai stream: model returned no code")
	}

	emit(job.Event(stream.EventTypeInfo, "Build skipped for model output", ""))
	emit(job.Event(stream.EventTypeProjectComplete, "Project generation completed successfully", job.ProjectPath))
	return nil
}
