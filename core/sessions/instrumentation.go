package sessions

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/koscakluka/ema-broadcast/core/sessions"

var logger = otelslog.NewLogger(scopeName)
