// Package upload talks to the external upload collaborator that publishes
// rendered videos. The upload stage calls Publish once per schedule; the
// collaborator owns platform credentials and retries.
package upload
