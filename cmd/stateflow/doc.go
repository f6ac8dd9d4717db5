// Command stateflow runs and inspects video ingest workflows.
//
// Usage:
//
//	stateflow ingest event.json          # start runs for a storage event
//	stateflow ingest --bucket b --key k  # start a run for one object
//	stateflow run workflow.yaml -i k=v   # execute an ad hoc definition
//	stateflow validate workflow.yaml     # check definition files
//	stateflow list --status failed       # list runs
//	stateflow status RUN_ID              # show one run and its history
//	stateflow resume                     # drive interrupted runs
//	stateflow expire-joins               # fail encode joins past deadline
//	stateflow config init                # write a sample configuration
package main
