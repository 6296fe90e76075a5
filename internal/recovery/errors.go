package recovery

import (
	"fmt"

	"github.com/leengari/logreplicator/internal/replicaerr"
)

var errOutOfOrderCheckpoint = fmt.Errorf("recovery: end checkpoint observed before begin was stable: %w", replicaerr.ErrCorruption)
