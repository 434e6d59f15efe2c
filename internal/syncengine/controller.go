// Package syncengine implements the Synchronization Controller (spec
// §4.3): the per-vault state machine that reconciles the Metadata Store
// against the remote S3-compatible object store, applies conflict
// policy, and drains locally-generated change events with priority over
// pull reconciliation.
package syncengine

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/circuit"
	"github.com/vaulthalla/vaulthalla/internal/crypto"
	"github.com/vaulthalla/vaulthalla/internal/metrics"
	"github.com/vaulthalla/vaulthalla/internal/s3wire"
	"github.com/vaulthalla/vaulthalla/internal/store"
	"github.com/vaulthalla/vaulthalla/internal/vault"
	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
	"github.com/vaulthalla/vaulthalla/pkg/logging"
	"github.com/vaulthalla/vaulthalla/pkg/retry"
)

// State is one of the four per-vault sync-loop states (spec §4.3).
type State int

const (
	StateIdle State = iota
	StatePulling
	StateReconciling
	StatePushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePulling:
		return "pulling"
	case StateReconciling:
		return "reconciling"
	case StatePushing:
		return "pushing"
	default:
		return "unknown"
	}
}

// ConflictPolicy selects how a hash mismatch between local and remote is
// resolved (spec §4.3).
type ConflictPolicy string

const (
	ConflictKeepLocal  ConflictPolicy = "keep_local"
	ConflictKeepRemote ConflictPolicy = "keep_remote"
	ConflictOverwrite  ConflictPolicy = "overwrite"
	ConflictAsk        ConflictPolicy = "ask"
)

const (
	metaEncrypted   = "x-amz-meta-vh-encrypted"
	metaIV          = "x-amz-meta-vh-iv"
	metaAlgo        = "x-amz-meta-vh-algo"
	metaContentHash = "x-amz-meta-content-hash"
)

// ConflictEvent is emitted (never auto-resolved) when a vault's policy
// is "ask" and local/remote content has diverged.
type ConflictEvent struct {
	VaultID string
	Path    string
}

// AskSink receives conflict events a "ask" policy cannot resolve
// automatically. Implementations hand these to an external collaborator
// (shell/HTTP layer); the controller never blocks on this call.
type AskSink interface {
	Notify(ConflictEvent)
}

// Deps wires one Controller to its collaborators.
type Deps struct {
	Store    *store.Store
	Vault    *store.Vault
	Engine   *vault.Engine
	Keyring  *crypto.VaultKeyring
	Client   *s3wire.Client
	Logger   *logging.Logger
	Metrics  *metrics.Collector
	AskSink  AskSink
	QueueCap int
}

// Controller runs the per-vault synchronization state machine.
type Controller struct {
	st      *store.Store
	vaultID string
	engine  *vault.Engine
	keyring *crypto.VaultKeyring
	client  *s3wire.Client
	logger  *logging.Logger
	metrics *metrics.Collector
	askSink AskSink
	breaker *circuit.Breaker

	mu    sync.Mutex
	state State
	fatal bool

	changes  chan vault.ChangeEvent
	coalesce chan struct{}
}

// New constructs a Controller for one vault. Wire it as deps.Engine's
// ChangeSink so FUSE-driven mutations flow straight into the drain
// queue (see internal/vault.Engine's Sink config field).
func New(deps Deps) *Controller {
	capacity := deps.QueueCap
	if capacity <= 0 {
		capacity = 1024
	}
	return &Controller{
		st:       deps.Store,
		vaultID:  deps.Vault.ID,
		engine:   deps.Engine,
		keyring:  deps.Keyring,
		client:   deps.Client,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		askSink:  deps.AskSink,
		breaker:  circuit.New("sync:"+deps.Vault.ID, circuit.Config{}),
		changes:  make(chan vault.ChangeEvent, capacity),
		coalesce: make(chan struct{}, 1),
	}
}

// Enqueue implements vault.ChangeSink. It never blocks: under sustained
// backpressure the event is dropped and a metric records it.
func (c *Controller) Enqueue(ev vault.ChangeEvent) {
	select {
	case c.changes <- ev:
	default:
		if c.metrics != nil {
			c.metrics.RecordSyncError(c.vaultID, "queue_full")
		}
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Halted reports whether a fatal error (SigV4 rejection) has stopped
// this vault's loop. The daemon continues serving other vaults (§7).
func (c *Controller) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// Run drives the per-vault sync loop until ctx is canceled: an interval
// tick triggers a full pull/reconcile/push pass; a tick arriving while
// not Idle is coalesced into a single pending re-run (§4.3 state
// machine).
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runPassCoalesced(ctx)
		}
	}
}

func (c *Controller) runPassCoalesced(ctx context.Context) {
	if c.State() != StateIdle {
		select {
		case c.coalesce <- struct{}{}:
		default:
		}
		return
	}
	c.runPass(ctx)
	for {
		select {
		case <-c.coalesce:
			c.runPass(ctx)
			continue
		default:
			return
		}
	}
}

// runPass executes one Pushing(drain)->Pulling->Reconciling cycle.
// Draining the local change queue first gives it priority over pull
// reconciliation (§4.3 step 4).
func (c *Controller) runPass(ctx context.Context) {
	defer c.setState(StateIdle)

	if c.Halted() {
		return
	}

	c.setState(StatePushing)
	if err := c.drainChangeQueue(ctx); err != nil {
		c.recordFailure(err)
		return
	}

	policy, err := c.st.GetSyncPolicy(c.vaultID)
	if err != nil {
		if isNotFound(err) {
			return // vault has no sync policy configured; local-only vault
		}
		c.recordFailure(err)
		return
	}

	c.setState(StatePulling)
	remoteKeys, err := c.listAllRemoteKeys(ctx, policy.RemotePrefix)
	if err != nil {
		c.recordFailure(err)
		return
	}

	c.setState(StateReconciling)
	if err := c.reconcile(ctx, policy, remoteKeys); err != nil {
		c.recordFailure(err)
		return
	}

	_ = c.st.MarkSyncCompleted(c.vaultID, time.Now().Unix())
}

func (c *Controller) recordFailure(err error) {
	if ve, ok := err.(*vherrors.VaultError); ok && ve.Code == vherrors.CodeFatal {
		c.mu.Lock()
		c.fatal = true
		c.mu.Unlock()
		_ = c.st.SetSyncState(c.vaultID, "fatal")
	}
	if c.metrics != nil {
		c.metrics.RecordSyncError(c.vaultID, errorReason(err))
	}
	if c.logger != nil {
		c.logger.Error("sync pass failed", "vault_id", c.vaultID, "error", err.Error())
	}
}

func errorReason(err error) string {
	if ve, ok := err.(*vherrors.VaultError); ok {
		return string(ve.Code)
	}
	return "unknown"
}

func isNotFound(err error) bool {
	ve, ok := err.(*vherrors.VaultError)
	return ok && ve.Code == vherrors.CodeNotFound
}

// drainChangeQueue pushes every queued local mutation to the remote
// before starting a pull pass, so a concurrent writer's content is never
// clobbered by a stale remote-only download.
func (c *Controller) drainChangeQueue(ctx context.Context) error {
	for {
		select {
		case ev := <-c.changes:
			if err := c.applyChange(ctx, ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Controller) applyChange(ctx context.Context, ev vault.ChangeEvent) error {
	if ev.Kind == vault.ChangeDeleted {
		return nil // deletions are not pushed: neither this path nor reconcile deletes remote objects
	}
	entry, err := c.engine.Lookup(ev.Path)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if entry.Kind != store.KindFile || !entry.BackingAlias.Valid {
		return nil
	}
	policy, err := c.st.GetSyncPolicy(c.vaultID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	return c.pushEntry(ctx, policy.RemotePrefix, entry)
}

func (c *Controller) retryer(policy *store.SyncPolicy) *retry.Retryer {
	r := retry.New(retry.DefaultConfig())
	if policy != nil && policy.IntervalSecs > 0 {
		r = r.WithInterval(time.Duration(policy.IntervalSecs) * time.Second)
	}
	return r
}

// listAllRemoteKeys fully paginates the bucket listing under prefix,
// following the continuation-token contract (spec §4.3).
func (c *Controller) listAllRemoteKeys(ctx context.Context, prefix string) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	token := ""
	for {
		var page *s3wire.ListResult
		err := c.breaker.Execute(func() error {
			var innerErr error
			page, innerErr = c.client.ListObjects(ctx, prefix, token)
			return innerErr
		})
		if err != nil {
			return nil, err
		}
		for _, k := range page.Keys {
			keys[k] = struct{}{}
		}
		if !page.IsTruncated || page.NextContinuationToken == "" {
			break
		}
		token = page.NextContinuationToken
	}
	return keys, nil
}

// reconcile implements the three-way diff from spec §4.3 step 3:
// remote-only keys pull in, local-only entries push out, and entries
// present on both sides with diverging hashes go through conflict
// resolution.
func (c *Controller) reconcile(ctx context.Context, policy *store.SyncPolicy, remoteKeys map[string]struct{}) error {
	entries, err := c.allFileEntries()
	if err != nil {
		return err
	}

	localByKey := make(map[string]*store.FSEntry, len(entries))
	for _, e := range entries {
		if !e.BackingAlias.Valid {
			continue
		}
		localByKey[vault.ObjectKey(policy.RemotePrefix, e.BackingAlias.String)] = e
	}

	policyKind := ConflictPolicy(policy.ConflictPolicy)
	pullsRemoteOnly := policy.Strategy == store.SyncStrategyMirror || policy.Strategy == store.SyncStrategySync

	for key := range remoteKeys {
		local, ok := localByKey[key]
		if !ok {
			if !pullsRemoteOnly {
				continue
			}
			if err := c.pullRemoteOnly(ctx, key); err != nil {
				return err
			}
			continue
		}
		remoteHash, err := c.headObjectContentHash(ctx, key)
		if err != nil {
			return err
		}
		if remoteHash != local.ContentHash.String {
			if err := c.resolveConflict(ctx, policyKind, policy.RemotePrefix, local); err != nil {
				return err
			}
		}
	}

	for key, local := range localByKey {
		if _, present := remoteKeys[key]; !present {
			if err := c.pushEntry(ctx, policy.RemotePrefix, local); err != nil {
				return err
			}
		}
	}

	return nil
}

// allFileEntries walks the vault's directory tree from its root entry,
// collecting every live (non-trashed) file. The walk is an iterative BFS
// over a work queue rather than recursion per directory, so depth is
// bounded only by available memory, not goroutine stack size (contrast
// with internal/store's iterative stats propagation, which walks upward
// per mutation rather than fanning out downward once per sync pass).
func (c *Controller) allFileEntries() ([]*store.FSEntry, error) {
	v := c.engine.Vault()
	if !v.RootEntryID.Valid {
		return nil, vherrors.New(vherrors.CodeFatal, "vault has no root entry").WithComponent("syncengine")
	}

	var out []*store.FSEntry
	pending := []sql.NullString{{String: v.RootEntryID.String, Valid: true}}
	for len(pending) > 0 {
		parent := pending[0]
		pending = pending[1:]
		children, err := c.st.ListChildren(c.vaultID, parent)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if child.Trashed {
				continue
			}
			if child.Kind == store.KindDir {
				pending = append(pending, sql.NullString{String: child.ID, Valid: true})
				continue
			}
			out = append(out, child)
		}
	}
	return out, nil
}

// headObjectContentHash returns the remote object's x-amz-meta-content-hash
// value (the plaintext SHA-256 set at upload time, see metadataHeaders),
// not its ETag — ETag is the MD5 of the encrypted blob and would never
// match our own content hash of the plaintext even when content agrees.
func (c *Controller) headObjectContentHash(ctx context.Context, key string) (string, error) {
	var meta map[string]string
	err := c.breaker.Execute(func() error {
		var innerErr error
		_, _, meta, innerErr = c.client.HeadObject(ctx, key)
		return innerErr
	})
	if err != nil {
		return "", err
	}
	return meta[metaContentHash], nil
}

func (c *Controller) resolveConflict(ctx context.Context, policy ConflictPolicy, prefix string, local *store.FSEntry) error {
	switch policy {
	case ConflictKeepLocal, ConflictOverwrite:
		return c.pushEntry(ctx, prefix, local)
	case ConflictKeepRemote:
		key := vault.ObjectKey(prefix, local.BackingAlias.String)
		return c.pullRemoteOnly(ctx, key)
	case ConflictAsk:
		if c.askSink != nil {
			c.askSink.Notify(ConflictEvent{VaultID: c.vaultID, Path: local.Name})
		}
		return nil
	default:
		return vherrors.New(vherrors.CodeInvalidArgument, fmt.Sprintf("unknown conflict policy %q", policy)).
			WithComponent("syncengine")
	}
}

// pushEntry uploads local's backing blob to the remote object store,
// choosing single-PUT or multipart upload by size, tagging the object
// with the Vaulthalla encryption headers (§6) on the same request.
func (c *Controller) pushEntry(ctx context.Context, prefix string, local *store.FSEntry) error {
	backingPath := vault.BackingPath(c.engine.CacheDir(), local.BackingAlias.String)
	key := vault.ObjectKey(prefix, local.BackingAlias.String)

	blob, err := readCiphertext(backingPath)
	if err != nil {
		return vherrors.New(vherrors.CodeIOError, "failed to read backing blob for upload").
			WithComponent("syncengine").WithCause(err)
	}
	meta := metadataHeaders(blob.iv(), local.ContentHash.String)

	retryer := c.retryer(nil)
	if err := retryer.Do(ctx, func(ctx context.Context) error {
		return c.breaker.Execute(func() error {
			if len(blob.body) > s3wire.DefaultMultipartThreshold {
				upload, initErr := c.client.InitiateMultipartUpload(ctx, key, "application/octet-stream", meta)
				if initErr != nil {
					return initErr
				}
				if uploadErr := uploadInParts(ctx, upload, blob.body, s3wire.DefaultMultipartPartSize); uploadErr != nil {
					_ = upload.Abort(ctx)
					return uploadErr
				}
				_, completeErr := upload.Complete(ctx)
				return completeErr
			}
			_, putErr := c.client.PutObjectWithMetadata(ctx, key, blob.body, "application/octet-stream", meta)
			return putErr
		})
	}); err != nil {
		return err
	}

	// Clean once pushed, so the local blob becomes eligible for eviction.
	return c.st.MarkCacheClean(c.vaultID, local.ID)
}

func uploadInParts(ctx context.Context, upload *s3wire.MultipartUpload, body []byte, partSize int) error {
	partNo := 1
	for offset := 0; offset < len(body); offset += partSize {
		end := offset + partSize
		if end > len(body) {
			end = len(body)
		}
		if err := upload.UploadPart(ctx, partNo, body[offset:end]); err != nil {
			return err
		}
		partNo++
	}
	return nil
}

// pullRemoteOnly downloads a remote-only object and writes it straight
// into the vault's backing cache tree under its content-derived alias,
// mirroring the cache-fill path the Storage Engine uses on write.
func (c *Controller) pullRemoteOnly(ctx context.Context, key string) error {
	var data []byte
	err := c.breaker.Execute(func() error {
		var getErr error
		data, getErr = c.client.GetObject(ctx, key)
		return getErr
	})
	if err != nil {
		return err
	}
	if len(data) < 16 {
		return vherrors.New(vherrors.CodeIntegrityError, "downloaded object too short to be a sealed blob").
			WithComponent("syncengine").WithOperation("pull")
	}
	alias := aliasFromKey(key)
	backingPath := vault.BackingPath(c.engine.CacheDir(), alias)
	return writeCiphertext(backingPath, data)
}

func aliasFromKey(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}

type ciphertextBlob struct {
	body []byte // [4-byte key version][12-byte iv][ciphertext], matching internal/vault's on-disk envelope
}

func (b *ciphertextBlob) iv() []byte { return b.body[4:16] }

func readCiphertext(path string) (*ciphertextBlob, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 16 {
		return nil, vherrors.New(vherrors.CodeIntegrityError, "backing blob too short").WithComponent("syncengine")
	}
	return &ciphertextBlob{body: raw}, nil
}

func writeCiphertext(path string, data []byte) error {
	if err := os.MkdirAll(parentOf(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func parentOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return "/"
}

// metadataHeaders builds the §6 x-amz-meta-* set for an encrypted object.
func metadataHeaders(iv []byte, contentHash string) map[string]string {
	return map[string]string{
		metaEncrypted:   "true",
		metaIV:          base64.StdEncoding.EncodeToString(iv),
		metaAlgo:        "aes256gcm",
		metaContentHash: contentHash,
	}
}
