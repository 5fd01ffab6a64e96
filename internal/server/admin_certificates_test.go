package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/store"
)

func TestAdminAddCertificate(t *testing.T) {
	h := newHarness(t)
	b := h.adminBrowser(t)
	path := fmt.Sprintf("/admin/users/%d/certificates", h.ana.ID)

	rec := b.post(path, url.Values{"plan_id": {"x"}})
	assert.Equal(t, []string{"Choose a plan."}, b.flashes(rec))
	rec = b.post(path, url.Values{"plan_id": {"999"}})
	assert.Equal(t, []string{"Plan not found."}, b.flashes(rec))
	rec = b.post(path, url.Values{"plan_id": {fmt.Sprint(h.vgbl.ID)}, "created_date": {"01/02/2020"}})
	assert.Equal(t, []string{"created_date must be a date (YYYY-MM-DD)"}, b.flashes(rec))

	rec = b.post(path, url.Values{"plan_id": {fmt.Sprint(h.vgbl.ID)}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, fmt.Sprintf("/admin/users/%d", h.ana.ID), rec.Header().Get("Location"))
	flashes := b.flashes(rec)

	certs, err := h.store.ListCertificates(h.ana.ID)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, []string{fmt.Sprintf("Certificate #%d created.", certs[0].ID)}, flashes)
	assert.Equal(t, "2026-01-01", certs[0].CreatedDate, "defaults to the simulation date")
	assert.Equal(t, h.vgbl.ID, certs[0].PlanID)

	rec = b.post(path, url.Values{"plan_id": {fmt.Sprint(h.pgbl.ID)}, "created_date": {"2019-07-15"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	certs, err = h.store.ListCertificates(h.ana.ID)
	require.NoError(t, err)
	require.Len(t, certs, 2)

	doc := b.page(fmt.Sprintf("/admin/users/%d", h.ana.ID))
	for _, c := range certs {
		assert.Equal(t, 1, doc.Find(fmt.Sprintf(`a[href="/admin/certificates/%d"]`, c.ID)).Length())
	}
	assert.Equal(t, 404, b.post("/admin/users/999/certificates", url.Values{"plan_id": {"1"}}).Code)
}

func TestAdminCertificateActions(t *testing.T) {
	h := newHarness(t)
	b := h.adminBrowser(t)
	cert := h.certificate(t, h.pgbl, 1000, 800)
	path := fmt.Sprintf("/admin/certificates/%d", cert.ID)
	act := func(form url.Values) []string {
		t.Helper()
		return b.flashes(b.post(path, form))
	}

	doc := b.page(path)
	assert.Equal(t, "R$1,000.00", strings.TrimSpace(doc.Find("#value").Text()))
	assert.Equal(t, "R$800.00", strings.TrimSpace(doc.Find("#basis").Text()))
	assert.Equal(t, 1, doc.Find(".lots tbody tr[data-lot]").Length())

	assert.Equal(t, []string{"Lot of R$200.00 dated 2020-05-01 added."},
		act(url.Values{"action": {"add_contribution"}, "amount": {"200"}, "date": {"2020-05-01"}}))
	assert.Equal(t, []string{"Amount must be positive."},
		act(url.Values{"action": {"add_contribution"}, "amount": {"0"}}))
	lots, err := h.store.Contributions(cert.ID)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, "2020-05-01", lots[0].Date)
	assert.Equal(t, models.SourceContribution, lots[0].SourceType)
	basis, err := h.store.TotalRemaining(cert.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1000, basis, 1e-9)

	assert.Equal(t, []string{"Multimercado set to 50.0000 units."},
		act(url.Values{"action": {"set_holding"}, "fund_id": {fmt.Sprint(h.mm.ID)}, "units": {"50"}}))
	assert.Equal(t, []string{"Units must be zero or more."},
		act(url.Values{"action": {"set_holding"}, "fund_id": {fmt.Sprint(h.mm.ID)}, "units": {"-1"}}))
	assert.Equal(t, []string{"Fund not found."},
		act(url.Values{"action": {"set_holding"}, "fund_id": {"999"}, "units": {"1"}}))
	value, err := h.store.CertificateValue(cert.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1050, value, 1e-9)
	act(url.Values{"action": {"set_holding"}, "fund_id": {fmt.Sprint(h.mm.ID)}, "units": {"0"}})
	holdings, err := h.store.Holdings(cert.ID)
	require.NoError(t, err)
	assert.Len(t, holdings, 1)

	assert.Equal(t, []string{"Phase set to spending."}, act(url.Values{"action": {"set_phase"}, "phase": {"spending"}}))
	assert.Equal(t, []string{"Unknown phase."}, act(url.Values{"action": {"set_phase"}, "phase": {"retired"}}))
	assert.Equal(t, []string{"Tax regime set to regressive."}, act(url.Values{"action": {"set_regime"}, "tax_regime": {"regressive"}}))
	got, err := h.store.Certificate(cert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseSpending, got.Phase)
	assert.Equal(t, models.RegimeRegressive, got.TaxRegime)
	assert.Equal(t, []string{"Unknown tax regime."}, act(url.Values{"action": {"set_regime"}, "tax_regime": {"flat"}}))
	assert.Equal(t, []string{"Tax regime set to not chosen."}, act(url.Values{"action": {"set_regime"}, "tax_regime": {""}}))

	assert.Equal(t, []string{"Withdrawal of R$100.00 recorded."},
		act(url.Values{"action": {"add_withdrawal"}, "gross_amount": {"100"}, "tax_withheld": {"15"}}))
	assert.Equal(t, []string{"Tax withheld must be between zero and the gross amount."},
		act(url.Values{"action": {"add_withdrawal"}, "gross_amount": {"100"}, "tax_withheld": {"150"}}))
	ws, err := h.store.Withdrawals(cert.ID)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, 85.0, ws[0].NetAmount)
	assert.Equal(t, "2026-01-01", ws[0].Date)

	assert.Equal(t, []string{`Unknown action "explode".`}, act(url.Values{"action": {"explode"}}))

	// Lot consumption by a queued outflow shows up in the audit table.
	_, err = h.store.CreateRequest(h.ana.ID, &cert.ID, models.RequestTransferOut,
		models.RequestDetails{Amount: 100, Institution: "Outra Prev"}, "2026-01-01")
	require.NoError(t, err)
	_, err = h.srv.engine.Evolve(context.Background(), 1)
	require.NoError(t, err)
	doc = b.page(path)
	assert.Contains(t, doc.Find(".audit").Text(), string(models.RequestTransferOut))
	assert.Equal(t, 1, doc.Find(".requests tr[data-request]").Length())
	assert.Equal(t, 1, doc.Find(".withdrawals tbody tr").Length())
}

func TestAdminDeleteCertificate(t *testing.T) {
	h := newHarness(t)
	b := h.adminBrowser(t)
	cert := h.certificate(t, h.pgbl, 1000, 1000)

	rec := b.post(fmt.Sprintf("/admin/certificates/%d/delete", cert.ID), nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, fmt.Sprintf("/admin/users/%d", h.ana.ID), rec.Header().Get("Location"))
	assert.Equal(t, []string{fmt.Sprintf("Certificate #%d deleted.", cert.ID)}, b.flashes(rec))

	_, err := h.store.Certificate(cert.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	lots, err := h.store.Contributions(cert.ID)
	require.NoError(t, err)
	assert.Empty(t, lots)

	assert.Equal(t, http.StatusNotFound, b.post(fmt.Sprintf("/admin/certificates/%d/delete", cert.ID), nil).Code)
	assert.Equal(t, http.StatusNotFound, b.get(fmt.Sprintf("/admin/certificates/%d", cert.ID)).Code)
}

func TestAdminPortInSchedule(t *testing.T) {
	h := newHarness(t)
	b := h.adminBrowser(t)

	doc := b.page("/admin")
	assert.Equal(t, "30:1, 30:5, 40:11", doc.Find("#portin-schedule input[name=schedule]").AttrOr("value", ""))

	rec := b.post("/admin/portin-schedule", url.Values{"schedule": {"50:2"}})
	flashes := b.flashes(rec)
	require.Len(t, flashes, 1)
	assert.Contains(t, flashes[0], "invalid port-in schedule")

	rec = b.post("/admin/portin-schedule", url.Values{"schedule": {"50:2, 50%:4"}})
	assert.Equal(t, []string{"Port-in schedule set to 50:2, 50:4."}, b.flashes(rec))
	sched, err := h.store.PortInSchedule()
	require.NoError(t, err)
	assert.Equal(t, []models.PortInTranche{{Pct: 50, YearsAgo: 2}, {Pct: 50, YearsAgo: 4}}, sched)

	doc = b.page("/admin")
	assert.Equal(t, "50:2, 50:4", doc.Find("#portin-schedule input[name=schedule]").AttrOr("value", ""))
}
