// Package testutils provides helpers shared by the integration tests.
//
// Tests that need a real PostgreSQL server call SetupTestDatabase, which reads
// connection details from config-test.toml in the project root and skips the
// test in -short mode or when the file is absent.
//
//	func TestSomething(t *testing.T) {
//		td := testutils.SetupTestDatabase(t)
//		defer td.Cleanup(t)
//		// use td.Pool ...
//	}
package testutils
