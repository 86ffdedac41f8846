package monitoring

import (
	"github.com/rs/zerolog/log"
)

// Alert raises an operator alert. Alerts are emitted as error-level log
// events tagged with alert=true so the log pipeline can route them.
func Alert(message string, labels map[string]string) {
	ev := log.Error().Bool("alert", true)
	for k, v := range labels {
		ev = ev.Str(k, v)
	}
	ev.Msg(message)
}
