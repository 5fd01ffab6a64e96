// Package seed loads demo plans, funds and investors from a YAML fixture.
package seed

import (
	_ "embed"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/store"
	"github.com/vesaa/prevsim/internal/tax"
	"gopkg.in/yaml.v3"
)

// Default is the built-in demo fixture.
//
//go:embed fixtures.yaml
var Default []byte

// Fixture is the YAML document shape.
type Fixture struct {
	Plans []PlanSpec `yaml:"plans"`
	Funds []FundSpec `yaml:"funds"`
	Users []UserSpec `yaml:"users"`
}

type PlanSpec struct {
	Code string          `yaml:"code"`
	Type models.PlanType `yaml:"type"`
	Name string          `yaml:"name"`
	Fees string          `yaml:"fees"`
}

type FundSpec struct {
	Key           string    `yaml:"key"`
	Name          string    `yaml:"name"`
	Description   string    `yaml:"description"`
	CNPJ          string    `yaml:"cnpj"`
	QualifiedOnly bool      `yaml:"qualified_only"`
	InitialNAV    float64   `yaml:"initial_nav"`
	Returns       []float64 `yaml:"returns"`
}

type UserSpec struct {
	Username        string            `yaml:"username"`
	Retail          bool              `yaml:"retail"`
	Cash            float64           `yaml:"cash"`
	IOFDeclarations map[int]float64   `yaml:"iof_declarations"`
	Certificates    []CertificateSpec `yaml:"certificates"`
}

type CertificateSpec struct {
	Plan          string             `yaml:"plan"`
	Created       string             `yaml:"created"`
	Regime        models.TaxRegime   `yaml:"regime"`
	Monthly       *MonthlySpec       `yaml:"monthly"`
	Contributions []LotSpec          `yaml:"contributions"`
	Holdings      map[string]float64 `yaml:"holdings"`
	Targets       map[string]float64 `yaml:"targets"`
	Requests      []RequestSpec      `yaml:"requests"`
}

// MonthlySpec expands to one lot per month starting at Start.
type MonthlySpec struct {
	Start  string  `yaml:"start"`
	Months int     `yaml:"months"`
	Amount float64 `yaml:"amount"`
}

// LotSpec is one explicit lot. Remaining defaults to Amount.
type LotSpec struct {
	Date      string            `yaml:"date"`
	Amount    float64           `yaml:"amount"`
	Remaining *float64          `yaml:"remaining"`
	Source    models.SourceType `yaml:"source"`
}

type RequestSpec struct {
	Type   models.RequestType   `yaml:"type"`
	Amount float64              `yaml:"amount"`
	Regime models.TaxRegime     `yaml:"regime"`
	Date   string               `yaml:"date"`
	Status models.RequestStatus `yaml:"status"`
	Reason string               `yaml:"reason"`
}

// Summary counts what Load created.
type Summary struct {
	Skipped      bool
	Plans        int
	Funds        int
	Users        int
	Certificates int
	Lots         int
	Requests     int
}

// Parse decodes a fixture.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	return &f, nil
}

// Load parses data and inserts it in one transaction. It does nothing when
// the database already has users. Every user gets password.
func Load(s *store.Store, data []byte, password string) (*Summary, error) {
	users, err := s.ListUsers()
	if err != nil {
		return nil, err
	}
	if len(users) > 0 {
		log.Printf("[seed] database already has %d user(s), skipping", len(users))
		return &Summary{Skipped: true}, nil
	}
	fx, err := Parse(data)
	if err != nil {
		return nil, err
	}

	var sum Summary
	err = s.Transaction(func(tx *store.Store) error {
		l := loader{tx: tx, sum: &sum, plans: map[string]*models.Plan{}, funds: map[string]uint{}}
		return l.run(fx, password)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[seed] loaded %d plan(s), %d fund(s), %d user(s), %d certificate(s)",
		sum.Plans, sum.Funds, sum.Users, sum.Certificates)
	return &sum, nil
}

type loader struct {
	tx    *store.Store
	sum   *Summary
	plans map[string]*models.Plan
	funds map[string]uint
}

func (l *loader) run(fx *Fixture, password string) error {
	for _, p := range fx.Plans {
		plan := &models.Plan{Type: p.Type, Name: p.Name, FeesInfo: p.Fees, PlanCode: p.Code}
		if err := l.tx.CreatePlan(plan); err != nil {
			return fmt.Errorf("plan %s: %w", p.Code, err)
		}
		l.plans[p.Code] = plan
		l.sum.Plans++
	}
	for _, f := range fx.Funds {
		fund := &models.Fund{
			Name:          f.Name,
			Description:   f.Description,
			CNPJ:          f.CNPJ,
			QualifiedOnly: f.QualifiedOnly,
			InitialNAV:    f.InitialNAV,
		}
		if err := l.tx.CreateFund(fund); err != nil {
			return fmt.Errorf("fund %s: %w", f.Key, err)
		}
		if err := l.tx.SetFundReturns(fund.ID, f.Returns); err != nil {
			return fmt.Errorf("fund %s returns: %w", f.Key, err)
		}
		l.funds[f.Key] = fund.ID
		l.sum.Funds++
	}
	for _, u := range fx.Users {
		if err := l.user(u, password); err != nil {
			return fmt.Errorf("user %s: %w", u.Username, err)
		}
	}
	return nil
}

func (l *loader) user(spec UserSpec, password string) error {
	u, err := l.tx.CreateUser(spec.Username, password, spec.Retail)
	if err != nil {
		return err
	}
	l.sum.Users++
	if err := l.tx.SetCash(u.ID, spec.Cash); err != nil {
		return err
	}
	for year, amount := range spec.IOFDeclarations {
		if err := l.tx.SetIOFDeclaration(u.ID, year, amount); err != nil {
			return err
		}
	}
	for i, c := range spec.Certificates {
		if err := l.certificate(u.ID, c); err != nil {
			return fmt.Errorf("certificate %d: %w", i, err)
		}
	}
	return nil
}

func (l *loader) certificate(userID uint, spec CertificateSpec) error {
	plan, ok := l.plans[spec.Plan]
	if !ok {
		return fmt.Errorf("unknown plan %q", spec.Plan)
	}
	cert, err := l.tx.CreateCertificate(userID, plan.ID, spec.Created, "")
	if err != nil {
		return err
	}
	l.sum.Certificates++
	if spec.Regime != models.RegimeUnset {
		if err := l.tx.SetTaxRegime(cert.ID, spec.Regime); err != nil {
			return err
		}
	}

	lots, err := expandLots(spec)
	if err != nil {
		return err
	}
	for i := range lots {
		lots[i].CertificateID = cert.ID
		if err := l.tx.AddContribution(&lots[i]); err != nil {
			return err
		}
		l.sum.Lots++
	}

	for _, key := range sortedKeys(spec.Holdings) {
		id, ok := l.funds[key]
		if !ok {
			return fmt.Errorf("unknown fund %q", key)
		}
		if err := l.tx.SetHolding(cert.ID, id, spec.Holdings[key]); err != nil {
			return err
		}
	}
	var shares []models.AllocationShare
	for _, key := range sortedKeys(spec.Targets) {
		id, ok := l.funds[key]
		if !ok {
			return fmt.Errorf("unknown fund %q", key)
		}
		shares = append(shares, models.AllocationShare{FundID: id, Pct: spec.Targets[key]})
	}
	if err := l.tx.SetTargetAllocations(cert.ID, shares); err != nil {
		return err
	}

	for _, r := range spec.Requests {
		if err := l.request(userID, cert.ID, r); err != nil {
			return err
		}
	}
	return nil
}

func (l *loader) request(userID, certID uint, spec RequestSpec) error {
	d := models.RequestDetails{Amount: spec.Amount, TaxRegime: spec.Regime}
	r, err := l.tx.CreateRequest(userID, &certID, spec.Type, d, spec.Date)
	if err != nil {
		return err
	}
	l.sum.Requests++
	switch spec.Status {
	case "", models.StatusPending:
		return nil
	case models.StatusCompleted:
		return l.tx.CompleteRequest(r.ID, spec.Date)
	case models.StatusCancelled:
		return l.tx.CancelRequest(userID, r.ID)
	case models.StatusRejected:
		return l.tx.RejectRequest(r.ID, spec.Reason)
	case models.StatusFailed:
		return l.tx.FailRequest(r.ID, spec.Reason)
	}
	return fmt.Errorf("unknown request status %q", spec.Status)
}

// expandLots turns the monthly schedule and explicit lots into contributions.
func expandLots(spec CertificateSpec) ([]models.Contribution, error) {
	var lots []models.Contribution
	if m := spec.Monthly; m != nil {
		start, err := time.Parse(tax.DateLayout, m.Start)
		if err != nil {
			return nil, fmt.Errorf("monthly start: %w", err)
		}
		for i := 0; i < m.Months; i++ {
			lots = append(lots, models.Contribution{
				Amount:          m.Amount,
				GrossAmount:     m.Amount,
				RemainingAmount: m.Amount,
				Date:            start.AddDate(0, i, 0).Format(tax.DateLayout),
				SourceType:      models.SourceContribution,
			})
		}
	}
	for _, c := range spec.Contributions {
		if _, err := time.Parse(tax.DateLayout, c.Date); err != nil {
			return nil, fmt.Errorf("lot date: %w", err)
		}
		remaining := c.Amount
		if c.Remaining != nil {
			remaining = *c.Remaining
		}
		src := c.Source
		if src == "" {
			src = models.SourceContribution
		}
		lots = append(lots, models.Contribution{
			Amount:          c.Amount,
			GrossAmount:     c.Amount,
			RemainingAmount: remaining,
			Date:            c.Date,
			SourceType:      src,
		})
	}
	return lots, nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
