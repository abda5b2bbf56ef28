package audit

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/polyd/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AUDIT STORE - Append-only persistence
// ═══════════════════════════════════════════════════════════════════════════════
//
// SQLite by default, Postgres when DATABASE_URL is set. Every row carries a
// millisecond epoch timestamp; foreign keys follow the causal chain
// snapshot → intent → approval → order → fill → ledger as plain id columns.
// Only the audit writer mutates this store.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Models

type RunRow struct {
	ID         string `gorm:"primaryKey"`
	StartedMs  int64
	EndedMs    *int64
	Build      string
	ConfigHash string
}

type RawEventRow struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	RunID    string `gorm:"index"`
	MarketID string `gorm:"index"`
	Kind     string
	Payload  string
	TsMs     int64  `gorm:"index"`
}

type SnapshotRow struct {
	ID            int64           `gorm:"primaryKey"`
	RunID         string          `gorm:"primaryKey;index"`
	MarketID      string          `gorm:"index"`
	YesBid        decimal.Decimal `gorm:"type:decimal(10,6)"`
	YesAsk        decimal.Decimal `gorm:"type:decimal(10,6)"`
	NoBid         decimal.Decimal `gorm:"type:decimal(10,6)"`
	NoAsk         decimal.Decimal `gorm:"type:decimal(10,6)"`
	Stale         bool
	CanTrade      bool
	DrawdownHalt  bool
	Crowding      float64
	Toxicity      float64
	SpreadComp    float64
	Features      string                                      // comma-joined, ordered per schema
	SchemaVersion int
	TsMs          int64           `gorm:"index"`
}

type IntentRow struct {
	ID         int64           `gorm:"primaryKey"`
	RunID      string          `gorm:"primaryKey;index"`
	SnapshotID int64           `gorm:"index"`
	Strategy   string          `gorm:"index"`
	Tier       string
	MarketID   string          `gorm:"index"`
	Kind       string
	Side       string
	Action     string
	Price      decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size       decimal.Decimal `gorm:"type:decimal(20,6)"`
	Urgency    string
	TTLMs      int64
	EV         decimal.Decimal `gorm:"type:decimal(20,6)"`
	Confidence decimal.Decimal `gorm:"type:decimal(10,6)"`
	RiskCost   decimal.Decimal `gorm:"type:decimal(20,6)"`
	Tags       string
	Rationale  string
	LegGroup   int64
	TsMs       int64           `gorm:"index"`
}

type ApprovalRow struct {
	ID          int64  `gorm:"primaryKey"`
	RunID       string `gorm:"primaryKey;index"`
	IntentID    int64  `gorm:"index"`
	Approved    bool
	Reason      string
	MarketOwner string
	RiskOK      bool
	TsMs        int64  `gorm:"index"`
}

type OrderRow struct {
	ClientOrderID string          `gorm:"primaryKey"`
	RunID         string          `gorm:"index"`
	VenueOrderID  string          `gorm:"index"`
	IntentID      int64           `gorm:"index"`
	ApprovalID    int64
	Strategy      string          `gorm:"index"`
	MarketID      string          `gorm:"index"`
	TokenID       string
	Side          string
	Action        string
	Price         decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size          decimal.Decimal `gorm:"type:decimal(20,6)"`
	FilledSize    decimal.Decimal `gorm:"type:decimal(20,6)"`
	Status        string          `gorm:"index"`
	SubmittedMs   int64
	AckedMs       *int64
	FinalMs       *int64
	SubmitLatMs   int64
	LegGroup      int64
	ErrorMsg      string
}

type FillRow struct {
	FillID        string          `gorm:"primaryKey"`
	RunID         string          `gorm:"index"`
	VenueOrderID  string          `gorm:"index"`
	ClientOrderID string          `gorm:"index"`
	MarketID      string          `gorm:"index"`
	Side          string
	Action        string
	Price         decimal.Decimal `gorm:"type:decimal(10,6)"`
	Qty           decimal.Decimal `gorm:"type:decimal(20,6)"`
	Fee           decimal.Decimal `gorm:"type:decimal(20,6)"`
	Maker         bool
	TsMs          int64           `gorm:"index"`
}

type PnLLedgerRow struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	RunID      string          `gorm:"index"`
	Kind       string          `gorm:"index"`
	Reference  string
	AmountUSD  decimal.Decimal `gorm:"type:decimal(20,6)"`
	Strategy   string          `gorm:"index"`
	MarketID   string          `gorm:"index"`
	PartialLeg bool
	TsMs       int64           `gorm:"index"`
}

type PortfolioSnapshotRow struct {
	ID               uint            `gorm:"primaryKey;autoIncrement"`
	RunID            string          `gorm:"index"`
	GrossExposureUSD decimal.Decimal `gorm:"type:decimal(20,6)"`
	OpenExposureUSD  decimal.Decimal `gorm:"type:decimal(20,6)"`
	CumulativePnL    decimal.Decimal `gorm:"type:decimal(20,6)"`
	OpenOrders       int
	TsMs             int64           `gorm:"index"`
}

type PluginSignalRow struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	RunID    string `gorm:"index"`
	Strategy string `gorm:"index"`
	MarketID string `gorm:"index"`
	IntentID int64
	Signal   string
	TsMs     int64  `gorm:"index"`
}

type IncidentRow struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	RunID    string `gorm:"index"`
	Level    string `gorm:"index"`
	Kind     string
	MarketID string
	Detail   string
	TsMs     int64  `gorm:"index"`
}

type FeatureSchemaRow struct {
	Version int    `gorm:"primaryKey"`
	Names   string
	AddedMs int64
}

// Store wraps the gorm connection.
type Store struct {
	db    *gorm.DB
	runID string
}

// Open connects to Postgres when url is set, SQLite at path otherwise.
func Open(url, path string) (*Store, error) {
	var db *gorm.DB
	var err error

	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if url != "" {
		db, err = gorm.Open(postgres.Open(url), gcfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("audit store connected (Postgres)")
	} else {
		db, err = gorm.Open(sqlite.Open(path), gcfg)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("audit store opened (SQLite)")
	}

	if err := db.AutoMigrate(
		&RunRow{}, &RawEventRow{}, &SnapshotRow{}, &IntentRow{}, &ApprovalRow{},
		&OrderRow{}, &FillRow{}, &PnLLedgerRow{}, &PortfolioSnapshotRow{},
		&PluginSignalRow{}, &IncidentRow{}, &FeatureSchemaRow{},
	); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// StartRun inserts the run row and registers the feature schema version.
func (s *Store) StartRun(runID, build, configHash string) error {
	s.runID = runID

	row := RunRow{
		ID:         runID,
		StartedMs:  time.Now().UnixMilli(),
		Build:      build,
		ConfigHash: configHash,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return err
	}

	var schema FeatureSchemaRow
	err := s.db.First(&schema, "version = ?", types.FeatureSchemaVersion).Error
	if err == gorm.ErrRecordNotFound {
		return s.db.Create(&FeatureSchemaRow{
			Version: types.FeatureSchemaVersion,
			Names:   strings.Join(types.FeatureNames, ","),
			AddedMs: time.Now().UnixMilli(),
		}).Error
	}
	return err
}

// EndRun closes the run row.
func (s *Store) EndRun() error {
	now := time.Now().UnixMilli()
	return s.db.Model(&RunRow{}).Where("id = ?", s.runID).Update("ended_ms", &now).Error
}

// WriteRecord persists one audit record. Orders upsert on client_order_id
// so status progressions update the same row.
func (s *Store) WriteRecord(rec Record) error {
	switch rec.Kind {
	case RecordSnapshot:
		sn := rec.Snapshot
		feats := make([]string, len(sn.Features))
		for i, f := range sn.Features {
			feats[i] = decimal.NewFromFloat(f).String()
		}
		return s.db.Create(&SnapshotRow{
			ID: sn.ID, RunID: sn.RunID, MarketID: sn.MarketID,
			YesBid: sn.Yes.BidPrice, YesAsk: sn.Yes.AskPrice,
			NoBid: sn.No.BidPrice, NoAsk: sn.No.AskPrice,
			Stale: sn.Stale, CanTrade: sn.CanTrade, DrawdownHalt: sn.DrawdownHalt,
			Crowding: sn.Crowding, Toxicity: sn.Toxicity, SpreadComp: sn.SpreadComp,
			Features: strings.Join(feats, ","), SchemaVersion: sn.SchemaVersion,
			TsMs: sn.Timestamp.UnixMilli(),
		}).Error

	case RecordIntent:
		in := rec.Intent
		return s.db.Create(&IntentRow{
			ID: in.ID, RunID: s.runID, SnapshotID: in.SnapshotID,
			Strategy: in.Strategy, Tier: in.Tier.String(), MarketID: in.MarketID,
			Kind: string(in.Kind), Side: string(in.Side), Action: string(in.Action),
			Price: in.Price, Size: in.Size, Urgency: string(in.Urgency),
			TTLMs: in.TTL.Milliseconds(), EV: in.EV, Confidence: in.Confidence,
			RiskCost: in.RiskCost, Tags: strings.Join(in.Tags, ","),
			Rationale: in.Rationale, LegGroup: in.LegGroup,
			TsMs: in.Created.UnixMilli(),
		}).Error

	case RecordApproval:
		ap := rec.Approval
		return s.db.Create(&ApprovalRow{
			ID: ap.ID, RunID: s.runID, IntentID: ap.IntentID,
			Approved: ap.Approved, Reason: ap.Reason, MarketOwner: ap.MarketOwner,
			RiskOK: ap.RiskOK, TsMs: ap.Timestamp.UnixMilli(),
		}).Error

	case RecordOrder:
		o := rec.Order
		row := OrderRow{
			ClientOrderID: o.ClientOrderID, RunID: s.runID, VenueOrderID: o.VenueOrderID,
			IntentID: o.IntentID, ApprovalID: o.ApprovalID, Strategy: o.Strategy,
			MarketID: o.MarketID, TokenID: o.TokenID, Side: string(o.Side),
			Action: string(o.Action), Price: o.Price, Size: o.Size,
			FilledSize: o.FilledSize, Status: string(o.Status),
			SubmittedMs: o.SubmittedAt.UnixMilli(), SubmitLatMs: o.SubmitLatency.Milliseconds(),
			LegGroup: o.LegGroup, ErrorMsg: o.ErrorMsg,
		}
		if o.AckedAt != nil {
			ms := o.AckedAt.UnixMilli()
			row.AckedMs = &ms
		}
		if o.FinalAt != nil {
			ms := o.FinalAt.UnixMilli()
			row.FinalMs = &ms
		}
		// Status progressions rewrite the same row, keyed by client_order_id.
		return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error

	case RecordFill:
		f := rec.Fill
		return s.db.Create(&FillRow{
			FillID: f.FillID, RunID: s.runID, VenueOrderID: f.VenueOrderID,
			ClientOrderID: f.ClientOrderID, MarketID: f.MarketID,
			Side: string(f.Side), Action: string(f.Action),
			Price: f.Price, Qty: f.Qty, Fee: f.Fee, Maker: f.Maker,
			TsMs: f.Timestamp.UnixMilli(),
		}).Error

	case RecordLedger:
		e := rec.Ledger
		return s.db.Create(&PnLLedgerRow{
			RunID: s.runID, Kind: string(e.Kind), Reference: e.Reference,
			AmountUSD: e.AmountUSD, Strategy: e.Strategy, MarketID: e.MarketID,
			PartialLeg: e.PartialLeg, TsMs: e.Timestamp.UnixMilli(),
		}).Error

	case RecordIncident:
		i := rec.Incident
		return s.db.Create(&IncidentRow{
			RunID: s.runID, Level: string(i.Level), Kind: i.Kind,
			MarketID: i.MarketID, Detail: i.Detail, TsMs: i.Timestamp.UnixMilli(),
		}).Error

	case RecordPortfolio:
		p := rec.Portfolio
		return s.db.Create(&PortfolioSnapshotRow{
			RunID: s.runID, GrossExposureUSD: p.GrossExposureUSD,
			OpenExposureUSD: p.OpenExposureUSD, CumulativePnL: p.CumulativePnL,
			OpenOrders: p.OpenOrders, TsMs: p.Timestamp.UnixMilli(),
		}).Error

	case RecordSignal:
		sg := rec.Signal
		return s.db.Create(&PluginSignalRow{
			RunID: s.runID, Strategy: sg.Strategy, MarketID: sg.MarketID,
			IntentID: sg.IntentID, Signal: sg.Signal, TsMs: sg.Timestamp.UnixMilli(),
		}).Error

	case RecordRawEvent:
		r := rec.Raw
		return s.db.Create(&RawEventRow{
			RunID: s.runID, MarketID: r.MarketID, Kind: r.Kind,
			Payload: r.Payload, TsMs: r.Timestamp.UnixMilli(),
		}).Error
	}
	return nil
}

// LoadFills returns every persisted fill in timestamp order, across runs.
// The execution manager replays them at startup to recover open lots after
// a crash.
func (s *Store) LoadFills() ([]types.Fill, error) {
	var rows []FillRow
	if err := s.db.Order("ts_ms ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	fills := make([]types.Fill, len(rows))
	for i, r := range rows {
		fills[i] = types.Fill{
			FillID:        r.FillID,
			VenueOrderID:  r.VenueOrderID,
			ClientOrderID: r.ClientOrderID,
			MarketID:      r.MarketID,
			Side:          types.Side(r.Side),
			Action:        types.Action(r.Action),
			Price:         r.Price,
			Qty:           r.Qty,
			Fee:           r.Fee,
			Maker:         r.Maker,
			Timestamp:     time.UnixMilli(r.TsMs),
		}
	}
	return fills, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
