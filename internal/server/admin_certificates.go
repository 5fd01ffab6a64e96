package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/prevsim/internal/engine"
	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/money"
	"github.com/vesaa/prevsim/internal/store"
)

// ── Certificates ─────────────────────────────────────────────────────────────
//
// Admin edits write straight to the ledger. Nothing here goes through the
// request queue, so no tax or IOF is computed.

func (s *Server) adminAddCertificate(c *gin.Context) {
	uid, ok := paramID(c, "id")
	if !ok {
		s.fail(c, store.ErrNotFound)
		return
	}
	back := fmt.Sprintf("/admin/users/%d", uid)
	if _, err := s.store.User(uid); err != nil {
		s.fail(c, err)
		return
	}
	planID, err := strconv.ParseUint(c.PostForm("plan_id"), 10, 64)
	if err != nil {
		redirectFlash(c, back, flashError, "Choose a plan.")
		return
	}
	if _, err := s.store.Plan(uint(planID)); err != nil {
		redirectFlash(c, back, flashError, "Plan not found.")
		return
	}
	today, err := s.store.SimDate()
	if err != nil {
		s.fail(c, err)
		return
	}
	date, err := formDate(c, "created_date", today)
	if err != nil {
		redirectFlash(c, back, flashError, err.Error())
		return
	}
	cert, err := s.store.CreateCertificate(uid, uint(planID), date, strings.TrimSpace(c.PostForm("notes")))
	if err != nil {
		s.fail(c, err)
		return
	}
	log.Printf("[admin] created certificate %d for user %d", cert.ID, uid)
	redirectFlash(c, back, flashSuccess, fmt.Sprintf("Certificate #%d created.", cert.ID))
}

func (s *Server) adminCertificate(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		s.fail(c, store.ErrNotFound)
		return
	}
	cert, err := s.store.Certificate(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	u, err := s.store.User(cert.UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	rows, err := s.summarize([]models.Certificate{*cert})
	if err != nil {
		s.fail(c, err)
		return
	}
	holdings, err := s.store.Holdings(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	targets, err := s.store.TargetAllocations(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	lots, err := s.store.Contributions(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	withdrawals, err := s.store.Withdrawals(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	audit, err := s.store.CertificateLotAllocations(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	reqs, err := s.store.ListRequests(store.RequestFilter{CertificateID: id}, false)
	if err != nil {
		s.fail(c, err)
		return
	}
	funds, err := s.store.ListFunds(false)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.html(c, http.StatusOK, "admin_certificate", gin.H{
		"Title":       fmt.Sprintf("Certificate #%d", cert.ID),
		"Nav":         "admin",
		"Cert":        rows[0],
		"User":        u,
		"Holdings":    holdings,
		"Targets":     targets,
		"Lots":        lots,
		"Withdrawals": withdrawals,
		"Audit":       audit,
		"Requests":    reqs,
		"Funds":       funds,
		"Phases":      []models.Phase{models.PhaseAccumulation, models.PhaseSpending},
		"Regimes":     []models.TaxRegime{models.RegimeProgressive, models.RegimeRegressive},
	})
}

// adminUpdateCertificate applies one "action" from the certificate page.
func (s *Server) adminUpdateCertificate(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		s.fail(c, store.ErrNotFound)
		return
	}
	cert, err := s.store.Certificate(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	back := fmt.Sprintf("/admin/certificates/%d", id)
	today, err := s.store.SimDate()
	if err != nil {
		s.fail(c, err)
		return
	}

	var msg string
	switch action := c.PostForm("action"); action {
	case "add_contribution":
		amount, err := formAmount(c, "amount")
		if err != nil || amount <= 0 {
			redirectFlash(c, back, flashError, "Amount must be positive.")
			return
		}
		date, err := formDate(c, "date", today)
		if err != nil {
			redirectFlash(c, back, flashError, err.Error())
			return
		}
		lot := &models.Contribution{
			CertificateID:   id,
			Amount:          amount,
			GrossAmount:     amount,
			RemainingAmount: amount,
			Date:            date,
			SourceType:      models.SourceContribution,
		}
		if err := s.store.AddContribution(lot); err != nil {
			s.fail(c, err)
			return
		}
		msg = fmt.Sprintf("Lot of %s dated %s added.", money.Format(amount), date)

	case "set_holding":
		fundID, err := strconv.ParseUint(c.PostForm("fund_id"), 10, 64)
		if err != nil {
			redirectFlash(c, back, flashError, "Choose a fund.")
			return
		}
		fund, err := s.store.Fund(uint(fundID))
		if err != nil {
			redirectFlash(c, back, flashError, "Fund not found.")
			return
		}
		units, err := formAmount(c, "units")
		if err != nil || units < 0 {
			redirectFlash(c, back, flashError, "Units must be zero or more.")
			return
		}
		if err := s.store.SetHolding(id, fund.ID, units); err != nil {
			s.fail(c, err)
			return
		}
		msg = fmt.Sprintf("%s set to %.4f units.", fund.Name, units)

	case "set_phase":
		phase := models.Phase(c.PostForm("phase"))
		if !phase.Valid() {
			redirectFlash(c, back, flashError, "Unknown phase.")
			return
		}
		if err := s.store.SetPhase(id, phase); err != nil {
			s.fail(c, err)
			return
		}
		msg = fmt.Sprintf("Phase set to %s.", phase)

	case "set_regime":
		regime := models.TaxRegime(c.PostForm("tax_regime"))
		if regime != models.RegimeUnset && !regime.Valid() {
			redirectFlash(c, back, flashError, "Unknown tax regime.")
			return
		}
		if err := s.store.SetTaxRegime(id, regime); err != nil {
			s.fail(c, err)
			return
		}
		msg = fmt.Sprintf("Tax regime set to %s.", regimeName(regime))

	case "add_withdrawal":
		gross, err := formAmount(c, "gross_amount")
		if err != nil || gross <= 0 {
			redirectFlash(c, back, flashError, "Gross amount must be positive.")
			return
		}
		var withheld float64
		if c.PostForm("tax_withheld") != "" {
			if withheld, err = formAmount(c, "tax_withheld"); err != nil || withheld < 0 || withheld > gross {
				redirectFlash(c, back, flashError, "Tax withheld must be between zero and the gross amount.")
				return
			}
		}
		date, err := formDate(c, "date", today)
		if err != nil {
			redirectFlash(c, back, flashError, err.Error())
			return
		}
		w := &models.Withdrawal{
			CertificateID: id,
			GrossAmount:   gross,
			TaxWithheld:   withheld,
			NetAmount:     gross - withheld,
			Date:          date,
			Regime:        cert.TaxRegime,
		}
		if err := s.store.AddWithdrawal(w); err != nil {
			s.fail(c, err)
			return
		}
		msg = fmt.Sprintf("Withdrawal of %s recorded.", money.Format(gross))

	default:
		redirectFlash(c, back, flashError, fmt.Sprintf("Unknown action %q.", action))
		return
	}
	log.Printf("[admin] certificate %d: %s", id, msg)
	redirectFlash(c, back, flashSuccess, msg)
}

func (s *Server) adminDeleteCertificate(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		s.fail(c, store.ErrNotFound)
		return
	}
	cert, err := s.store.Certificate(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.DeleteCertificate(id); err != nil {
		s.fail(c, err)
		return
	}
	log.Printf("[admin] deleted certificate %d of user %d", id, cert.UserID)
	redirectFlash(c, fmt.Sprintf("/admin/users/%d", cert.UserID), flashSuccess,
		fmt.Sprintf("Certificate #%d deleted.", id))
}

// adminPortInSchedule replaces how external transfer-ins are backdated.
func (s *Server) adminPortInSchedule(c *gin.Context) {
	sched, err := engine.ParsePortInSchedule(c.PostForm("schedule"))
	if err != nil {
		if errors.Is(err, engine.ErrSchedule) {
			redirectFlash(c, "/admin", flashError, err.Error())
			return
		}
		s.fail(c, err)
		return
	}
	if err := s.store.SetPortInSchedule(sched); err != nil {
		s.fail(c, err)
		return
	}
	redirectFlash(c, "/admin", flashSuccess,
		fmt.Sprintf("Port-in schedule set to %s.", engine.FormatPortInSchedule(sched)))
}
