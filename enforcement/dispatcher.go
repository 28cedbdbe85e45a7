/*
Package enforcement issues and tracks tamper-resistant device commands.

PURPOSE:
  The dispatcher is the only writer of a phone's lock flag. It issues lock
  and unlock commands driven by sale and settlement state, and walks each
  command through its lifecycle as the device polls, acknowledges and
  executes.

STATE MACHINE:

	pending -> sent -> acknowledged -> executed
	pending|sent -> expired (time-based)
	pending|sent -> failed  (device-reported)

  Strictly forward. Transitions are guarded by the store at update time
  (status must still be one of the allowed prior states), so two racing
  callers serialize instead of regressing a command.

EXPIRY:
  A command past expires_at while still pending/sent is logically expired
  the moment the clock passes, regardless of its stored status. Readers
  treat it as expired (PollPending filters it out and lazily flips the row;
  Acknowledge/Execute refuse it). Expired commands are never resent
  automatically - policy must reissue explicitly.

TOKENS:
  Issuance generates a 256-bit random token and stores only its SHA-256
  hash. The raw token rides on the returned command value exactly once.

DELIVERY:
  PollPending is at-least-once: it returns everything in {pending, sent}
  and advances pending rows to sent, so the device may see a command
  repeatedly until it acknowledges.

HEARTBEATS:
  Devices also report health snapshots (battery, app version, self-reported
  lock state). Heartbeats are append-only telemetry and never drive command
  or phone transitions.

SEE ALSO:
  - core/types.go: DeviceCommand, LockDecision, DeviceHeartbeat
  - ledger/ledger.go: issues unlock on sale completion via IssueOn
*/
package enforcement

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/lockpay/installment-engine/core"
)

// DefaultTTL is how long a command stays executable when the issuer does not
// set an explicit expiry.
const DefaultTTL = 24 * time.Hour

// Dispatcher is the device command engine.
type Dispatcher struct {
	store core.Store
	audit core.Recorder
	ttl   time.Duration
	now   func() time.Time
}

func New(store core.Store, audit core.Recorder) *Dispatcher {
	if audit == nil {
		audit = core.NopRecorder{}
	}
	return &Dispatcher{
		store: store,
		audit: audit,
		ttl:   DefaultTTL,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the dispatcher's clock. Tests only.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// =============================================================================
// ISSUANCE
// =============================================================================

// IssueCommand creates a command in its own transaction. The returned value
// carries the raw token once; only its hash is stored.
func (d *Dispatcher) IssueCommand(ctx context.Context, req core.CommandRequest) (*core.DeviceCommand, error) {
	var cmd *core.DeviceCommand
	err := d.store.WithTx(ctx, func(tx core.Store) error {
		var err error
		cmd, err = d.IssueOn(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	d.audit.Record(ctx, req.IssuedBy, "command_issued", "device_command", string(cmd.ID), map[string]string{
		"command": string(cmd.Type),
		"reason":  cmd.Reason,
	})
	return cmd, nil
}

// IssueOn creates a command on the caller's store view so issuance can join
// an enclosing transaction (sale completion issues unlock this way).
func (d *Dispatcher) IssueOn(ctx context.Context, store core.Store, req core.CommandRequest) (*core.DeviceCommand, error) {
	if req.Type != core.CommandLock && req.Type != core.CommandUnlock {
		return nil, &core.ValidationError{Field: "command", Message: "must be lock or unlock"}
	}
	if req.Reason == "" {
		return nil, &core.ValidationError{Field: "reason", Message: "must not be empty"}
	}
	if _, err := store.GetPhone(ctx, req.PhoneID); err != nil {
		return nil, err
	}

	token, hash := newToken()
	now := d.now()
	expires := req.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(d.ttl)
	}

	cmd := &core.DeviceCommand{
		ID:            core.CommandID(core.NewID("cmd")),
		PhoneID:       req.PhoneID,
		AgentID:       req.AgentID,
		SaleID:        req.SaleID,
		Type:          req.Type,
		Status:        core.CommandPending,
		Reason:        req.Reason,
		IssuedBy:      req.IssuedBy,
		AuthTokenHash: hash,
		Token:         token,
		ExpiresAt:     expires,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.CreateCommand(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

func newToken() (token, hash string) {
	var b [32]byte
	rand.Read(b[:])
	token = hex.EncodeToString(b[:])
	sum := sha256.Sum256([]byte(token))
	return token, hex.EncodeToString(sum[:])
}

// =============================================================================
// DEVICE LIFECYCLE
// =============================================================================

// PollPending returns the phone's deliverable commands and advances each to
// sent. Logically expired rows are flipped to expired and excluded: the
// device sees "nothing to do" rather than an error.
func (d *Dispatcher) PollPending(ctx context.Context, imei string) ([]core.DeviceCommand, error) {
	phone, err := d.store.FindPhoneByIMEI(ctx, imei)
	if err != nil {
		return nil, err
	}
	if phone == nil {
		return nil, &core.NotFoundError{Kind: "phone", ID: imei}
	}

	now := d.now()
	var out []core.DeviceCommand
	err = d.store.WithTx(ctx, func(tx core.Store) error {
		out = out[:0]
		cmds, err := tx.PendingCommandsForPhone(ctx, phone.ID)
		if err != nil {
			return err
		}
		for i := range cmds {
			cmd := cmds[i]
			if cmd.IsExpired(now) {
				prior := cmd.Status
				cmd.Status = core.CommandExpired
				cmd.UpdatedAt = now
				if err := tx.TransitionCommand(ctx, &cmd, prior); err != nil {
					return err
				}
				continue
			}
			if cmd.Status == core.CommandPending {
				cmd.Status = core.CommandSent
				cmd.UpdatedAt = now
				if err := tx.TransitionCommand(ctx, &cmd, core.CommandPending); err != nil {
					return err
				}
			}
			out = append(out, cmd)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Acknowledge moves pending/sent to acknowledged. Anything further along
// fails with a state error; anything expired fails with ErrCommandExpired.
func (d *Dispatcher) Acknowledge(ctx context.Context, id core.CommandID) (*core.DeviceCommand, error) {
	var cmd *core.DeviceCommand
	var expired bool
	err := d.store.WithTx(ctx, func(tx core.Store) error {
		var err error
		cmd, err = tx.GetCommand(ctx, id)
		if err != nil {
			return err
		}
		// Returning nil commits the expired flip; the refusal itself is
		// decided after the tx so the flip is not rolled back with it.
		if expired, err = d.flipIfExpired(ctx, tx, cmd); expired || err != nil {
			return err
		}
		if cmd.Status != core.CommandPending && cmd.Status != core.CommandSent {
			return &core.StateError{Entity: "device_command", ID: string(id), From: string(cmd.Status), To: string(core.CommandAcknowledged)}
		}
		now := d.now()
		cmd.Status = core.CommandAcknowledged
		cmd.AcknowledgedAt = &now
		cmd.UpdatedAt = now
		return tx.TransitionCommand(ctx, cmd, core.CommandPending, core.CommandSent)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, core.ErrCommandExpired
	}
	d.audit.Record(ctx, "device", "command_acknowledged", "device_command", string(id), nil)
	return cmd, nil
}

// Execute moves acknowledged (or sent, when ack was skipped) to executed and
// flips the phone lock flag in the same transaction. This is the only place
// that flag is ever written.
func (d *Dispatcher) Execute(ctx context.Context, id core.CommandID, deviceResponse string) (*core.DeviceCommand, error) {
	var cmd *core.DeviceCommand
	var expired bool
	err := d.store.WithTx(ctx, func(tx core.Store) error {
		var err error
		cmd, err = tx.GetCommand(ctx, id)
		if err != nil {
			return err
		}
		if expired, err = d.flipIfExpired(ctx, tx, cmd); expired || err != nil {
			return err
		}
		if cmd.Status != core.CommandAcknowledged && cmd.Status != core.CommandSent {
			return &core.StateError{Entity: "device_command", ID: string(id), From: string(cmd.Status), To: string(core.CommandExecuted)}
		}

		now := d.now()
		cmd.Status = core.CommandExecuted
		cmd.ExecutedAt = &now
		cmd.DeviceResponse = deviceResponse
		cmd.UpdatedAt = now
		if err := tx.TransitionCommand(ctx, cmd, core.CommandAcknowledged, core.CommandSent); err != nil {
			return err
		}

		phone, err := tx.GetPhone(ctx, cmd.PhoneID)
		if err != nil {
			return err
		}
		phone.Locked = cmd.Type == core.CommandLock
		phone.UpdatedAt = now
		return tx.UpdatePhone(ctx, phone)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, core.ErrCommandExpired
	}
	d.audit.Record(ctx, "device", "command_executed", "device_command", string(id), map[string]string{
		"command": string(cmd.Type),
	})
	return cmd, nil
}

// Fail records a device-reported failure for a pending/sent command.
func (d *Dispatcher) Fail(ctx context.Context, id core.CommandID, message string) (*core.DeviceCommand, error) {
	var cmd *core.DeviceCommand
	err := d.store.WithTx(ctx, func(tx core.Store) error {
		var err error
		cmd, err = tx.GetCommand(ctx, id)
		if err != nil {
			return err
		}
		if cmd.Status != core.CommandPending && cmd.Status != core.CommandSent {
			return &core.StateError{Entity: "device_command", ID: string(id), From: string(cmd.Status), To: string(core.CommandFailed)}
		}
		cmd.Status = core.CommandFailed
		cmd.ErrorMessage = message
		cmd.UpdatedAt = d.now()
		return tx.TransitionCommand(ctx, cmd, core.CommandPending, core.CommandSent)
	})
	if err != nil {
		return nil, err
	}
	d.audit.Record(ctx, "device", "command_failed", "device_command", string(id), map[string]string{
		"error": message,
	})
	return cmd, nil
}

// flipIfExpired flips a logically expired command's stored status, reporting
// whether it did. The caller refuses with ErrCommandExpired after commit.
func (d *Dispatcher) flipIfExpired(ctx context.Context, tx core.Store, cmd *core.DeviceCommand) (bool, error) {
	if !cmd.IsExpired(d.now()) {
		return false, nil
	}
	prior := cmd.Status
	cmd.Status = core.CommandExpired
	cmd.UpdatedAt = d.now()
	if err := tx.TransitionCommand(ctx, cmd, prior); err != nil {
		return false, err
	}
	return true, nil
}

// ExpireSweep flips all pending/sent commands past expiry. Background job.
func (d *Dispatcher) ExpireSweep(ctx context.Context) (int, error) {
	return d.store.ExpireCommands(ctx, d.now())
}

// =============================================================================
// LOCK DECISION - pure query, no side effects
// =============================================================================

// EvaluateLockDecision answers whether the phone should be locked as of asOf.
// No active sale means no lock regardless of installment rows; otherwise the
// phone should be locked iff any unpaid installment is past due. Issuing the
// actual command from this answer is a separate, explicit caller action.
func (d *Dispatcher) EvaluateLockDecision(ctx context.Context, imei string, asOf time.Time) (*core.LockDecision, error) {
	phone, err := d.store.FindPhoneByIMEI(ctx, imei)
	if err != nil {
		return nil, err
	}
	if phone == nil {
		return nil, &core.NotFoundError{Kind: "phone", ID: imei}
	}

	sale, err := d.store.ActiveSaleForPhone(ctx, phone.ID)
	if err != nil {
		return nil, err
	}
	if sale == nil {
		return &core.LockDecision{ShouldLock: false, Reason: "no active sale"}, nil
	}

	rows, err := d.store.InstallmentsForSale(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	overdue := 0
	for _, row := range rows {
		if row.IsOverdue(asOf) {
			overdue++
		}
	}

	decision := &core.LockDecision{
		Balance:      sale.BalanceRemaining,
		OverdueCount: overdue,
	}
	if overdue > 0 {
		decision.ShouldLock = true
		decision.Reason = "payment overdue"
	} else {
		decision.Reason = "up to date"
	}
	return decision, nil
}

// =============================================================================
// HEARTBEATS - device-reported health
// =============================================================================

// HeartbeatReport is what the enforcement app submits on each check-in.
// ReportedAt may be zero; recording then stamps the dispatcher's clock.
type HeartbeatReport struct {
	AndroidVersion     string
	AppVersion         string
	BatteryLevel       int
	DeviceAdminEnabled bool
	Locked             bool
	LockReason         string
	ReportedAt         time.Time
}

// RecordHeartbeat appends a health report for the device. Heartbeats are
// telemetry: they never change phone or command state, in particular the
// self-reported Locked flag is stored as-is and never written to the phone.
func (d *Dispatcher) RecordHeartbeat(ctx context.Context, imei string, report HeartbeatReport) (*core.DeviceHeartbeat, error) {
	phone, err := d.store.FindPhoneByIMEI(ctx, imei)
	if err != nil {
		return nil, err
	}
	if phone == nil {
		return nil, &core.NotFoundError{Kind: "phone", ID: imei}
	}
	if report.BatteryLevel < 0 || report.BatteryLevel > 100 {
		return nil, &core.ValidationError{Field: "battery_level", Message: "must be between 0 and 100"}
	}
	reportedAt := report.ReportedAt
	if reportedAt.IsZero() {
		reportedAt = d.now()
	}

	hb := &core.DeviceHeartbeat{
		ID:                 core.HeartbeatID(core.NewID("hb")),
		PhoneID:            phone.ID,
		AndroidVersion:     report.AndroidVersion,
		AppVersion:         report.AppVersion,
		BatteryLevel:       report.BatteryLevel,
		DeviceAdminEnabled: report.DeviceAdminEnabled,
		Locked:             report.Locked,
		LockReason:         report.LockReason,
		ReportedAt:         reportedAt,
	}
	if err := d.store.CreateHeartbeat(ctx, hb); err != nil {
		return nil, err
	}
	return hb, nil
}

// DeviceHealth returns the device's most recent heartbeat, or (nil, nil)
// when it has never reported.
func (d *Dispatcher) DeviceHealth(ctx context.Context, imei string) (*core.DeviceHeartbeat, error) {
	phone, err := d.store.FindPhoneByIMEI(ctx, imei)
	if err != nil {
		return nil, err
	}
	if phone == nil {
		return nil, &core.NotFoundError{Kind: "phone", ID: imei}
	}
	return d.store.LatestHeartbeat(ctx, phone.ID)
}
