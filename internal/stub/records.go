package stub

import (
	"github.com/gin-gonic/gin"

	"otto/internal/task"
)

// The HTTP contract uses camelCase field names; the push payloads use the
// canonical task JSON. These converters produce the former.

func toTaskRecord(t *task.Task) gin.H {
	record := gin.H{
		"id":     t.ID,
		"prompt": t.Prompt,
		"status": string(t.Status),
	}
	if t.CurrentStep > 0 {
		record["currentStep"] = t.CurrentStep
		record["totalSteps"] = t.TotalSteps
		record["progressPercentage"] = t.ProgressPercentage
	}
	if t.PlanSummary != "" {
		record["planSummary"] = t.PlanSummary
	}
	if t.PlanJSON != "" {
		record["planJson"] = t.PlanJSON
	}
	if t.ResultSummary != "" {
		record["resultSummary"] = t.ResultSummary
	}
	if t.Result != "" {
		record["result"] = t.Result
	}
	if t.ErrorMessage != "" {
		record["errorMessage"] = t.ErrorMessage
	}
	if t.TokensUsed > 0 {
		record["tokensUsed"] = t.TokensUsed
	}
	if t.CreditsUsed > 0 {
		record["creditsUsed"] = t.CreditsUsed
	}
	if t.DurationMs > 0 {
		record["durationMs"] = t.DurationMs
	}
	record["createdAt"] = t.CreatedAt
	if t.StartedAt != nil {
		record["startedAt"] = t.StartedAt
	}
	if t.CompletedAt != nil {
		record["completedAt"] = t.CompletedAt
	}
	return record
}

func toStepRecord(s *task.Step) gin.H {
	record := gin.H{
		"id":          s.ID,
		"stepNumber":  s.StepNumber,
		"toolName":    s.ToolName,
		"description": s.Description,
		"status":      string(s.Status),
		"revision":    s.Revision,
	}
	if s.ErrorMessage != "" {
		record["errorMessage"] = s.ErrorMessage
	}
	if s.StartedAt != nil {
		record["startedAt"] = s.StartedAt
	}
	if s.CompletedAt != nil {
		record["completedAt"] = s.CompletedAt
	}
	return record
}

func toOutputRecord(o *task.Output) gin.H {
	record := gin.H{
		"id":       o.ID,
		"fileName": o.FileName,
	}
	if o.OutputType != "" {
		record["outputType"] = o.OutputType
	}
	if o.MimeType != "" {
		record["mimeType"] = o.MimeType
	}
	if o.SizeBytes > 0 {
		record["sizeBytes"] = o.SizeBytes
	}
	if o.DownloadURL != "" {
		record["downloadUrl"] = o.DownloadURL
	}
	if o.PreviewURL != "" {
		record["previewUrl"] = o.PreviewURL
	}
	if o.ConversionStatus != "" {
		record["conversionStatus"] = o.ConversionStatus
	}
	return record
}
