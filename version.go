// Package conveyor runs a build-test-report pipeline against a repository:
// fetch a branch, build a container image, run the tests inside it, ingest
// the JUnit report and reclaim the build resources.
package conveyor

// Version is the conveyor release, overridden at link time.
var Version = "v0.3.0"
