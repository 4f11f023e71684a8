package main

import (
	"context"
	"fmt"
	"log"
	"strings"
)

const (
	// DefaultTitle is used until (or instead of) a generated title.
	DefaultTitle = "New Conversation"

	synthesisFailedResponse = "Error: Unable to generate final synthesis."
	noResponsesResponse     = "Error: No models responded successfully. Please check your API key and model availability, or try a different council type."
)

// Council runs the three council stages against a model backend.
type Council struct {
	gateway ModelQuerier
	cfg     *Config
}

// NewCouncil creates a council using gateway for every model call.
func NewCouncil(gateway ModelQuerier, cfg *Config) *Council {
	return &Council{gateway: gateway, cfg: cfg}
}

// Stage1CollectResponses collects individual responses from all council models.
// Reasoning markup is kept so users can see it. Failed or empty answers are
// dropped; the rest keep the council's configured order.
func (c *Council) Stage1CollectResponses(ctx context.Context, userQuery string, council CouncilConfig) []Stage1Response {
	messages := []OpenRouterMessage{
		{Role: "user", Content: userQuery},
	}

	results := c.gateway.QueryModelsParallel(ctx, council.Models, messages, QueryOptions{
		StripReasoning: false,
		AllowFallback:  true,
	})

	stage1Results := make([]Stage1Response, 0, len(results))
	for _, result := range results {
		if !result.Succeeded() {
			continue
		}

		display := result.Response.Content
		if display == "" {
			display = result.Response.OriginalContent
		}
		original := result.Response.OriginalContent
		if original == "" {
			original = result.Response.Content
		}

		stage1Results = append(stage1Results, Stage1Response{
			Model:            result.Model,
			Response:         display,
			OriginalResponse: original,
		})
	}

	log.Printf("Stage 1: %d of %d models responded", len(stage1Results), len(council.Models))
	return stage1Results
}

// BuildLabelMap assigns "Response A", "Response B", ... in Stage 1 order.
func BuildLabelMap(stage1Results []Stage1Response) LabelMap {
	labelToModel := make(LabelMap, len(stage1Results))
	for i, result := range stage1Results {
		labelToModel[LabelForIndex(i)] = result.Model
	}
	return labelToModel
}

// buildRankingPrompt anonymizes the Stage 1 answers and states the ranking contract.
func buildRankingPrompt(userQuery string, stage1Results []Stage1Response) string {
	parts := make([]string, 0, len(stage1Results))
	for i, result := range stage1Results {
		parts = append(parts, fmt.Sprintf("%s:\n%s", LabelForIndex(i), result.Response))
	}

	example := FormatFinalRanking([]string{"Response C", "Response A", "Response B"})

	return fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "%s" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

%s

Now provide your evaluation and ranking:`, userQuery, strings.Join(parts, "\n\n"), FinalRankingMarker, example)
}

// Stage2CollectRankings has every council model rank the anonymized Stage 1
// answers. Returns the rankings in council order and the label mapping used.
func (c *Council) Stage2CollectRankings(ctx context.Context, userQuery string, stage1Results []Stage1Response, council CouncilConfig) ([]Stage2Ranking, LabelMap) {
	labelToModel := BuildLabelMap(stage1Results)

	messages := []OpenRouterMessage{
		{Role: "user", Content: buildRankingPrompt(userQuery, stage1Results)},
	}

	// Reasoning is stripped here to keep the Stage 3 context small.
	results := c.gateway.QueryModelsParallel(ctx, council.Models, messages, QueryOptions{
		StripReasoning: true,
		AllowFallback:  true,
	})

	stage2Results := make([]Stage2Ranking, 0, len(results))
	for _, result := range results {
		if !result.Succeeded() {
			continue
		}
		fullText := result.Response.Content
		stage2Results = append(stage2Results, Stage2Ranking{
			Model:         result.Model,
			Ranking:       fullText,
			ParsedRanking: ParseRankingFromText(fullText),
		})
	}

	log.Printf("Stage 2: %d of %d models ranked", len(stage2Results), len(council.Models))
	return stage2Results, labelToModel
}

// Stage3SynthesizeFinal asks the chairman for the final answer. When the
// combined context is over the council's budget the rankings are replaced
// by a bulletin first. A failed chairman yields an error result, not an error.
func (c *Council) Stage3SynthesizeFinal(ctx context.Context, userQuery string, stage1Results []Stage1Response, stage2Results []Stage2Ranking, council CouncilConfig) Stage3Response {
	stage1Parts := make([]string, 0, len(stage1Results))
	for _, result := range stage1Results {
		stage1Parts = append(stage1Parts, fmt.Sprintf("Model: %s\nResponse: %s", result.Model, result.Response))
	}
	stage1Text := strings.Join(stage1Parts, "\n\n")
	stage2Text := formatStage2Text(stage2Results)

	if ExceedsBudget(stage1Text, stage2Text, council.MaxContextTokens) {
		log.Printf("Stage 3 context over %d tokens, summarizing %d rankings", council.MaxContextTokens, len(stage2Results))
		stage2Text = "Summary of Peer Rankings:\n" + c.SummarizeStage2Results(ctx, stage2Results)
	}

	chairmanPrompt := fmt.Sprintf(`You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

Original Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings:
%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`, userQuery, stage1Text, stage2Text)

	messages := []OpenRouterMessage{
		{Role: "user", Content: chairmanPrompt},
	}

	response, err := c.gateway.QueryModel(ctx, council.Chairman, messages, QueryOptions{
		StripReasoning: true,
		AllowFallback:  true,
	})
	if err != nil {
		log.Printf("Chairman %s failed: %v", council.Chairman, err)
		return Stage3Response{
			Model:    council.Chairman,
			Response: synthesisFailedResponse,
		}
	}

	return Stage3Response{
		Model:    council.Chairman,
		Response: response.Content,
	}
}

// NoResponsesResult is the Stage 3 stand-in when Stage 1 produced nothing.
func NoResponsesResult(council CouncilConfig) Stage3Response {
	return Stage3Response{
		Model:    council.Chairman,
		Response: noResponsesResponse,
	}
}

// GenerateConversationTitle generates a short title for a conversation.
// On failure it returns DefaultTitle together with the error.
func (c *Council) GenerateConversationTitle(ctx context.Context, userQuery string) (string, error) {
	titlePrompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)

	messages := []OpenRouterMessage{
		{Role: "user", Content: titlePrompt},
	}

	response, err := c.gateway.QueryModel(ctx, c.cfg.TitleModel, messages, QueryOptions{
		Timeout:        c.cfg.TitleGenTimeout,
		StripReasoning: true,
		AllowFallback:  true,
	})
	if err != nil {
		return DefaultTitle, fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.TrimSpace(response.Content)
	title = strings.Trim(title, "\"'")
	if title == "" {
		return DefaultTitle, nil
	}

	if len([]rune(title)) > 50 {
		title = string([]rune(title)[:47]) + "..."
	}

	return title, nil
}

// RunFullCouncil runs all three stages for councilType without persisting
// anything. The result is always complete; Stage 3 carries an error text
// when nothing could be synthesized.
func (c *Council) RunFullCouncil(ctx context.Context, userQuery string, councilType CouncilType) *CouncilResult {
	return c.runStages(ctx, userQuery, c.cfg.Council(councilType), nil)
}
