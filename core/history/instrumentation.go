package history

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/koscakluka/ema-broadcast/core/history"

var logger = otelslog.NewLogger(scopeName)
