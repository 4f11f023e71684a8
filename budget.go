package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"
)

const charsPerToken = 4

// EstimateTokens gives a rough token count: one token per four characters.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / charsPerToken
}

// ExceedsBudget reports whether the synthesis context is strictly over maxTokens.
func ExceedsBudget(stage1Text, stage2Text string, maxTokens int) bool {
	return EstimateTokens(stage1Text)+EstimateTokens(stage2Text) > maxTokens
}

// formatStage2Text renders rankings the way the chairman and summarizer read them.
func formatStage2Text(stage2Results []Stage2Ranking) string {
	parts := make([]string, 0, len(stage2Results))
	for _, result := range stage2Results {
		parts = append(parts, fmt.Sprintf("Model: %s\nRanking: %s", result.Model, result.Ranking))
	}
	return strings.Join(parts, "\n\n")
}

// fallbackBulletin is used when the summarizer itself fails.
func fallbackBulletin(judges int) string {
	return fmt.Sprintf("Peer rankings from %d models. See full rankings for details.", judges)
}

// SummarizeStage2Results condenses all rankings into a short "Bulletin of
// Ratings" with one auxiliary call. It never fails: a broken summarizer
// yields a fixed sentence naming the number of judges.
func (c *Council) SummarizeStage2Results(ctx context.Context, stage2Results []Stage2Ranking) string {
	summaryPrompt := fmt.Sprintf(`Summarize the following peer rankings from an LLM Council into a concise "Bulletin of Ratings".
Focus on the key insights, patterns of agreement/disagreement, and overall assessment.
Keep it brief but informative.

Rankings:
%s

Concise Summary:`, formatStage2Text(stage2Results))

	messages := []OpenRouterMessage{
		{Role: "user", Content: summaryPrompt},
	}

	response, err := c.gateway.QueryModel(ctx, c.cfg.SummaryModel, messages, QueryOptions{
		Timeout:        c.cfg.SummaryTimeout,
		StripReasoning: true,
		AllowFallback:  true,
	})
	if err != nil || response.Content == "" {
		log.Printf("Stage 2 summarization failed, using fallback bulletin: %v", err)
		return fallbackBulletin(len(stage2Results))
	}

	return response.Content
}
