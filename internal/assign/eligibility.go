package assign

import (
	"fmt"
	"time"

	"dispatchcore/internal/config"
	"dispatchcore/internal/model"
)

// Hard constraints run in a fixed order and short-circuit on the first
// failure; the returned error names the failed check. Every check that ran is
// recorded so the resulting assignment carries an audit trail.

// licenseRank orders license classes smallest to largest.
var licenseRank = map[string]int{"B": 1, "C1": 2, "C": 3, "CE": 4}

// requiredLicense maps a vehicle type to the minimum license class.
var requiredLicense = map[model.VehicleType]string{
	model.VehicleSmall:  "B",
	model.VehicleMedium: "C1",
	model.VehicleLarge:  "C",
	model.VehicleXLarge: "CE",
}

const hazmatCert = "hazmat"

// checkEligibility runs the hard-constraint chain for one driver against one
// route. extraHours is nonzero only at the overtime escalation rung; it
// widens the daily caps, never the weekly one.
func checkEligibility(d model.Driver, r model.Route, now time.Time, cfg config.AssignConfig, extraHours float64) ([]model.ConstraintCheck, error) {
	var checks []model.ConstraintCheck
	fail := func(name, detail string, sentinel error) ([]model.ConstraintCheck, error) {
		checks = append(checks, model.ConstraintCheck{Name: name, Detail: detail})
		return checks, fmt.Errorf("%w: %s", sentinel, detail)
	}
	pass := func(name string) {
		checks = append(checks, model.ConstraintCheck{Name: name, Passed: true})
	}

	// duty status
	if !d.OnDuty {
		return fail("duty_status", fmt.Sprintf("driver %s is off duty", d.ID), model.ErrOffDuty)
	}
	pass("duty_status")

	// hour limits: the route's projected drive and work hours must fit under
	// what the driver has left today and this week
	driveH := float64(r.DriveSec) / 3600
	workH := float64(r.DurationSec) / 3600
	if d.DriveHoursToday+driveH > cfg.MaxDriveHoursDay+extraHours {
		return fail("hour_limits",
			fmt.Sprintf("driver %s would reach %.1f drive hours, cap %.0f", d.ID, d.DriveHoursToday+driveH, cfg.MaxDriveHoursDay+extraHours),
			model.ErrHourLimitExceeded)
	}
	if d.WorkHoursToday+workH > cfg.MaxWorkHoursDay+extraHours {
		return fail("hour_limits",
			fmt.Sprintf("driver %s would reach %.1f work hours, cap %.0f", d.ID, d.WorkHoursToday+workH, cfg.MaxWorkHoursDay+extraHours),
			model.ErrHourLimitExceeded)
	}
	if d.WorkHoursWeek+workH > cfg.MaxWorkHoursWeek {
		return fail("hour_limits",
			fmt.Sprintf("driver %s would reach %.1f weekly hours, cap %.0f", d.ID, d.WorkHoursWeek+workH, cfg.MaxWorkHoursWeek),
			model.ErrHourLimitExceeded)
	}
	pass("hour_limits")

	// license class and expiry
	need := requiredLicense[r.VehicleType]
	if need == "" {
		need = "B"
	}
	if licenseRank[d.LicenseClass] < licenseRank[need] {
		return fail("license",
			fmt.Sprintf("vehicle type %s needs class %s, driver %s holds %s", r.VehicleType, need, d.ID, d.LicenseClass),
			model.ErrLicenseInvalid)
	}
	if !d.LicenseExpiry.IsZero() && !d.LicenseExpiry.After(now) {
		return fail("license",
			fmt.Sprintf("driver %s license expired %s", d.ID, d.LicenseExpiry.Format("2006-01-02")),
			model.ErrLicenseInvalid)
	}
	pass("license")

	// medical certificate
	if !d.MedicalValidUntil.IsZero() && !d.MedicalValidUntil.After(now) {
		return fail("medical",
			fmt.Sprintf("driver %s medical certificate expired %s", d.ID, d.MedicalValidUntil.Format("2006-01-02")),
			model.ErrMedicalExpired)
	}
	pass("medical")

	// restrictions: admin holds, hazmat certification, zone authorization
	if d.Restricted {
		detail := fmt.Sprintf("driver %s is restricted", d.ID)
		if d.RestrictionNote != "" {
			detail += ": " + d.RestrictionNote
		}
		return fail("restrictions", detail, model.ErrRestricted)
	}
	if r.RequiresHazmat && !d.HasCert(hazmatCert) {
		return fail("restrictions",
			fmt.Sprintf("route requires hazmat certification, driver %s lacks it", d.ID),
			model.ErrRestricted)
	}
	if !d.AuthorizedForZone(r.ZoneID) {
		return fail("restrictions",
			fmt.Sprintf("driver %s not authorized for zone %s", d.ID, r.ZoneID),
			model.ErrRestricted)
	}
	pass("restrictions")

	return checks, nil
}
