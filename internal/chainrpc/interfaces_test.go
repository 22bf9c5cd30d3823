package chainrpc

import (
	"github.com/seasonpass/tracker/internal/actions"
	"github.com/seasonpass/tracker/internal/ledger"
	"github.com/seasonpass/tracker/internal/nonce"
)

var (
	_ actions.ChainReader = (*Client)(nil)
	_ ledger.StageReader  = (*Client)(nil)
	_ nonce.ChainNoncer   = (*Client)(nil)
)
