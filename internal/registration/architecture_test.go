package registration

import (
	"testing"

	"datastore/testutil"
)

func TestRegistrationTalksToServerThroughDomain(t *testing.T) {
	testutil.AssertImports(t, ".", "use domain.RegistrationService",
		testutil.Package("internal/server"),
		testutil.Package("internal/infra"),
		testutil.Package("cmd"))
}
