package relay

import (
	"errors"
	"io"
	"strings"

	"github.com/gorilla/websocket"
)

var ErrLinkClosed = errors.New("upstream link is closed")

// IsExpectedCloseError checks that error is normal/expected closure
func IsExpectedCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		strings.HasSuffix(err.Error(), "use of closed network connection") ||
		strings.HasSuffix(err.Error(), "connection reset by peer") ||
		websocket.IsCloseError(
			err,
			websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure,
			websocket.CloseNoStatusReceived,
		)
}
