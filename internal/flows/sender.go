package flows

import (
	"context"
	"strings"

	"github.com/IMQS/log"
)

// LogSender writes deliveries to a logger instead of sending them. It is for
// development. The code is masked unless Reveal is set.
type LogSender struct {
	Log    *log.Logger
	Reveal bool
}

func (s *LogSender) SendCode(ctx context.Context, d Delivery) error {
	code := maskCode(d.Code)
	if s.Reveal {
		code = d.Code
	}
	s.Log.Infof("code for %v via %v to %v: %v (flow %v)", d.Purpose, d.Channel, maskAddress(d.Address), code, d.FlowID)
	return nil
}

func maskCode(code string) string {
	if len(code) <= 2 {
		return strings.Repeat("*", len(code))
	}
	return strings.Repeat("*", len(code)-2) + code[len(code)-2:]
}

// maskAddress keeps the first character and the domain of an email, or the
// last two digits of a phone number.
func maskAddress(addr string) string {
	if at := strings.LastIndexByte(addr, '@'); at > 0 {
		return addr[:1] + "***" + addr[at:]
	}
	if len(addr) > 2 {
		return strings.Repeat("*", len(addr)-2) + addr[len(addr)-2:]
	}
	return addr
}
