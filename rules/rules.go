//go:build ruleguard

// Package gorules contains project lint rules for golangci-lint via ruleguard.
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

const errorBuilderType = "*github.com/forcedaq/forcedaq/internal/errors.ErrorBuilder"

// acquisitionPkgs are the packages whose events share the timer's time base.
const acquisitionPkgs = `internal/(daq|remote|recorder|session)$`

// ErrorBuilderNotBuilt catches an error builder returned or stored without
// Build, which loses the category and skips telemetry.
func ErrorBuilderNotBuilt(m dsl.Matcher) {
	m.Match(`return $b`, `return $_, $b`, `return $_, $_, $b`).
		Where(m["b"].Type.Is(errorBuilderType)).
		Report("error builder returned without Build()").
		At(m["b"])
}

// BareErrorsInAcquisition asks acquisition code to categorize errors.
//
//	return fmt.Errorf("read failed: %w", err)
//
// becomes
//
//	return errors.New(err).Component("daq").Category(errors.CategorySensorIO).Build()
func BareErrorsInAcquisition(m dsl.Matcher) {
	m.Match(`return fmt.Errorf($*_)`, `return $_, fmt.Errorf($*_)`).
		Where(m.File().PkgPath.Matches(acquisitionPkgs)).
		Report("use the errors builder with a component and category")
}

// EventTimeFromTimer flags wall-clock millisecond stamps. Samples,
// commands and triggers must all be stamped with timer.Time() so rows
// from different sources line up.
func EventTimeFromTimer(m dsl.Matcher) {
	m.Match(`time.Now().UnixMilli()`, `time.Since($_).Milliseconds()`).
		Where(m.File().PkgPath.Matches(acquisitionPkgs)).
		Report("stamp events with the shared timer.Time()")
}

// FormattedLogMessage keeps log messages constant and values in fields.
func FormattedLogMessage(m dsl.Matcher) {
	m.Match(`$log.$method(fmt.Sprintf($*_), $*_)`).
		Where(m["log"].Type.Implements("github.com/forcedaq/forcedaq/internal/logger.Logger") &&
			m["method"].Text.Matches(`^(Trace|Debug|Info|Warn|Error)$`)).
		Report("pass values as logger fields instead of formatting the message")
}

// WaitGroupGo prefers sync.WaitGroup.Go over manual Add/Done.
func WaitGroupGo(m dsl.Matcher) {
	m.Match(`$wg.Add(1); go func() { defer $wg.Done(); $*body }()`).
		Where(m["wg"].Type.Is("*sync.WaitGroup") || m["wg"].Type.Is("sync.WaitGroup")).
		Report("use $wg.Go(func() { ... })").
		Suggest("$wg.Go(func() { $body })")

	m.Match(`go func() { defer $wg.Done(); $*_ }()`).
		Where(m["wg"].Type.Is("*sync.WaitGroup") || m["wg"].Type.Is("sync.WaitGroup")).
		Report("use $wg.Go(func() { ... })")
}
