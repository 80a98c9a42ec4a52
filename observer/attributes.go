package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for session and tool spans and metrics.
var (
	AttrSessionID = attribute.Key("session.id")

	AttrCodeLength    = attribute.Key("code.length")
	AttrCodeStatus    = attribute.Key("code.status")
	AttrOutputLength  = attribute.Key("code.output_length")
	AttrArtifactCount = attribute.Key("code.artifact_count")
	AttrToolsBound    = attribute.Key("code.tools_bound")
	AttrSoftInterrupt = attribute.Key("code.soft_interrupt_ms")
	AttrHardTimeout   = attribute.Key("code.hard_timeout_ms")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolOrigin       = attribute.Key("tool.origin")
	AttrToolComposite    = attribute.Key("tool.composite")
	AttrToolHelper       = attribute.Key("tool.helper")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")
)
