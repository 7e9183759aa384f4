// Package helper provides testing utilities and observability spies for lending store testing.
//
// This package contains shared testing infrastructure including fixture builders
// that operate against the lending storage interfaces, a log handler spy for
// capturing and validating log output, and a metrics collector spy.
package helper
