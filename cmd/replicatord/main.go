// Command replicatord wires the logging-replicator core into a single
// runnable replica: it opens (or creates) a log, recovers whatever is on
// disk, and drives a demo key/value state provider through the full
// begin/operation/commit path, exactly the way the teacher's main.go
// drove a demo database through storage.LoadDatabase and engine.Execute.
//
// This binary is a single-node stand-in for the transport the replicated
// log manager and secondary drain manager are built against: it uses
// transport.NewFake in auto-complete mode, so every write is its own
// one-replica quorum. A real deployment implements transport.Transport
// over whatever consensus/replication layer ships the operation stream.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leengari/logreplicator/internal/apply"
	"github.com/leengari/logreplicator/internal/backup"
	"github.com/leengari/logreplicator/internal/checkpoint"
	"github.com/leengari/logreplicator/internal/config"
	"github.com/leengari/logreplicator/internal/epoch"
	"github.com/leengari/logreplicator/internal/logging"
	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/logstream"
	"github.com/leengari/logreplicator/internal/recovery"
	"github.com/leengari/logreplicator/internal/replog"
	"github.com/leengari/logreplicator/internal/roledrain"
	"github.com/leengari/logreplicator/internal/stateprovider"
	"github.com/leengari/logreplicator/internal/transport"
	"github.com/leengari/logreplicator/internal/txmanager"
	"github.com/leengari/logreplicator/internal/writer"
)

func main() {
	logDir := flag.String("log-dir", "", "persist the log under this directory instead of in memory")
	seqEndpoint := flag.String("seq", "", "Seq server ingestion URL (empty disables Seq logging)")
	backupDir := flag.String("backup-dir", "", "run a full backup to this directory after the demo writes and exit")
	listen := flag.Int("listen", 0, "TCP port to accept SET/GET commands on; 0 runs the built-in demo instead")
	flag.Parse()

	logger, closeLog := logging.SetupLogger(*seqEndpoint)
	defer closeLog()

	cfg := config.Default()
	cfg.LogDirectory = *logDir

	replica, err := openReplica(cfg, logger)
	if err != nil {
		logger.Error("failed to open replica", "error", err)
		os.Exit(1)
	}
	defer replica.Close()

	replica.role.ChangeRole(stateprovider.RolePrimary)
	if err := replica.sp.ChangeRoleAsync(context.Background(), stateprovider.RolePrimary); err != nil {
		logger.Error("change role failed", "error", err)
		os.Exit(1)
	}

	if *listen != 0 {
		serve(*listen, replica, logger)
		return
	}

	runDemo(replica, logger)

	if *backupDir != "" {
		md, err := replica.backup.FullBackup(context.Background(), *backupDir, nil)
		if err != nil {
			logger.Error("backup failed", "error", err)
			os.Exit(1)
		}
		logger.Info("full backup complete", "backup_id", md.BackupID, "backup_lsn", md.BackupLSN)
	}
}

// replica bundles the wired-together managers a host needs to drive one
// replicated log end to end (spec.md's component graph, §4.A-§4.N).
type replica struct {
	cb     *writer.CallbackManager
	w      *writer.Writer
	rl     *replog.Manager
	tx     *txmanager.Manager
	ckpt   *checkpoint.Manager
	backup *backup.Manager
	role   *roledrain.State
	sp     *demoState
}

func (r *replica) Close() {
	r.w.Close(nil)
	r.cb.Close()
}

// openReplica opens the configured log stream, replays whatever is on it
// (spec.md §4.L), and wires the writer, replicated log manager, operation
// processor/dispatcher, checkpoint manager, and backup manager on top,
// grounded on the teacher's storage.LoadDatabase + engine.BuildDatabaseIndexes
// two-step open sequence.
func openReplica(cfg config.Config, logger *slog.Logger) (*replica, error) {
	stream, err := openStream(cfg)
	if err != nil {
		return nil, fmt.Errorf("open log stream: %w", err)
	}

	sp := newDemoState(logger)
	role := roledrain.New()

	replayMap, lastPos, lastPSN, lastRec, err := recoverAtOpen(stream)
	if err != nil {
		return nil, fmt.Errorf("recover at open: %w", err)
	}

	processor := apply.New(sp, replayMap.TxMap, role, func(txID uint64) {
		logger.Debug("transaction committed", "tx_id", txID)
	})
	dispatcher := apply.NewDispatcher(processor)

	cb := writer.NewCallbackManager(writer.ChainProcessors(dispatcher.HandleBatch))
	w := writer.New(stream, cb, writer.Config{
		MaxWriteCacheSize: uint64(cfg.MaxWriteCacheSize.Bytes()),
		SlowIODuration:    cfg.SlowLogIODuration,
	})
	if lastRec != nil {
		w.SeedTail(lastPos, lastPSN, lastRec)
	}

	tp := transport.NewFake(replayMap.TailLSN + 1)
	tp.SetAutoComplete(true)

	rl := replog.New(w, tp, role, replayMap.TailLSN, replayMap.TailEpoch, replayMap.ProgressVector)

	trunc := checkpoint.NewTruncationManager(config.NewRefreshablePolicy(cfg))
	ckpt := checkpoint.New(rl, trunc, sp, cfg.PeriodicCheckpointTruncationInterval, cfg.GroupCommitDelay)
	ckpt.Recover(replayMap.LastCompletedBeginCheckpoint, replayMap.LastPeriodicTruncationTime)
	processor.SetHooks(ckpt)

	tx := txmanager.New(rl, ckpt, processor, ckpt)

	lockPath := cfg.LogDirectory
	if lockPath == "" {
		lockPath = os.TempDir()
	}
	bkp := backup.New(rl, w, sp, ckpt, uuid.New(), 1, lockPath+string(os.PathSeparator)+"backup_api_lock")

	go driveFlushLoop(w)

	return &replica{cb: cb, w: w, rl: rl, tx: tx, ckpt: ckpt, backup: bkp, role: role, sp: sp}, nil
}

// openStream picks the sparse-file stream when a log directory is
// configured and the in-memory chunked stream otherwise (DESIGN.md Open
// Question #1).
func openStream(cfg config.Config) (logstream.Stream, error) {
	if cfg.LogDirectory == "" {
		return logstream.NewChunkedStream(0), nil
	}
	if err := os.MkdirAll(cfg.LogDirectory, 0o755); err != nil {
		return nil, err
	}
	return logstream.OpenFileStream(cfg.LogDirectory + string(os.PathSeparator) + "replicator.log")
}

// recoverAtOpen replays stream from position 0 into a fresh LogRecordsMap
// and reports the stream's physical tail so the writer can be seeded onto
// it (spec.md §4.L). It reads the stream directly rather than through
// recovery.Manager because it also needs the tail record/PSN/position
// recovery.Information doesn't carry. The demo state provider never needs
// committed-chain redo here — it is always rebuilt from scratch — so
// there is no dispatcher to feed; a host with a durable state provider
// would drive recovery.Manager.Recover with a Dispatcher that replays via
// the same apply path applyEndTx uses.
func recoverAtOpen(stream logstream.Stream) (*recovery.LogRecordsMap, uint64, uint64, logrecord.Record, error) {
	replayMap := recovery.NewFromRecovered(0, 0, nil, nil, 0, epoch.Invalid)

	reader := recovery.NewLogReader(stream, 0)
	var lastRec logrecord.Record
	var lastPos, lastPSN uint64
	for {
		rec, err := reader.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, 0, nil, err
		}
		if _, err := replayMap.Process(rec); err != nil {
			return nil, 0, 0, nil, err
		}
		lastRec = rec
		h := rec.GetHeader()
		lastPos = h.Position + uint64(h.Size)
		lastPSN = h.PSN
	}

	return replayMap, lastPos, lastPSN, lastRec, nil
}

func driveFlushLoop(w *writer.Writer) {
	for {
		time.Sleep(50 * time.Millisecond)
		if err := w.Flush(context.Background(), "periodic"); err != nil {
			return
		}
	}
}

// runDemo exercises begin/operation/commit, mirroring the teacher's
// sequential insert-then-select main.go.
func runDemo(r *replica, logger *slog.Logger) {
	ctx := context.Background()
	const txID = 1

	if _, err := r.tx.BeginTransaction(ctx, txID, nil); err != nil {
		logger.Error("begin transaction failed", "error", err)
		return
	}
	if _, err := r.tx.AddOperation(ctx, txID, nil, nil, []byte("frank=frank@newuser.com")); err != nil {
		logger.Error("add operation failed", "error", err)
		return
	}
	if _, err := r.tx.AddOperation(ctx, txID, nil, nil, []byte("grace=grace@secure.mail")); err != nil {
		logger.Error("add operation failed", "error", err)
		return
	}
	if err := r.tx.CommitTransactionAsync(ctx, txID); err != nil {
		logger.Error("commit failed", "error", err)
		return
	}

	logger.Info("demo transaction committed", "state", r.sp.snapshot())
}

// serve runs a line-oriented "SET key value" / "GET key" protocol over
// TCP, grounded on the teacher's internal/network/server.go accept loop.
func serve(port int, r *replica, logger *slog.Logger) {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to bind", "port", port, "error", err)
		return
	}
	defer listener.Close()
	logger.Info("replicatord listening", "port", port)

	var nextTxID uint64 = 1
	for {
		conn, err := listener.Accept()
		if err != nil {
			logger.Error("accept failed", "error", err)
			continue
		}
		go handleConn(conn, r, &nextTxID, logger)
	}
}

func handleConn(conn net.Conn, r *replica, nextTxID *uint64, logger *slog.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	ctx := context.Background()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}

		fields := strings.SplitN(line, " ", 3)
		switch strings.ToUpper(fields[0]) {
		case "SET":
			if len(fields) != 3 {
				io.WriteString(conn, "ERR usage: SET key value\n")
				continue
			}
			txID := *nextTxID
			*nextTxID++
			if _, err := r.tx.BeginTransactionAsync(ctx, txID, nil, nil, []byte(fields[1]+"="+fields[2])); err != nil {
				io.WriteString(conn, fmt.Sprintf("ERR %v\n", err))
				continue
			}
			io.WriteString(conn, "OK\n")

		case "GET":
			if len(fields) != 2 {
				io.WriteString(conn, "ERR usage: GET key\n")
				continue
			}
			v, ok := r.sp.get(fields[1])
			if !ok {
				io.WriteString(conn, "(nil)\n")
				continue
			}
			io.WriteString(conn, v+"\n")

		default:
			io.WriteString(conn, "ERR unknown command\n")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("connection error", "remote_addr", conn.RemoteAddr(), "error", err)
	}
}
