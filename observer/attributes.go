package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for model observability spans and metrics.
var (
	AttrModelName   = attribute.Key("model.name")
	AttrModelClient = attribute.Key("model.client")
	AttrModelMethod = attribute.Key("model.method")

	AttrTokensInput  = attribute.Key("model.tokens.input")
	AttrTokensOutput = attribute.Key("model.tokens.output")
	AttrCostUSD      = attribute.Key("model.cost_usd")

	AttrToolCount = attribute.Key("model.tool_count")
	AttrToolNames = attribute.Key("model.tool_names")

	AttrStreamChunks = attribute.Key("model.stream_chunks")

	AttrEmbedTextCount  = attribute.Key("embed.text_count")
	AttrEmbedDimensions = attribute.Key("embed.dimensions")

	AttrWorkflowID = attribute.Key("workflow.id")
	AttrRunID      = attribute.Key("run.id")
	AttrChatID     = attribute.Key("chat.id")
	AttrStepID     = attribute.Key("step.id")
	AttrRunStatus  = attribute.Key("run.status")
)
