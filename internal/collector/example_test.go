package collector_test

import (
	"fmt"

	"brokerstorm/internal/collector"
	"brokerstorm/internal/core"
)

func ExampleAggregator() {
	agg := collector.NewAggregator()

	// Sessions increment the shared aggregator as they exchange messages.
	agg.Increment(core.RolePublish, 10)
	agg.Increment(core.RoleSubscribe, 7)

	snap := agg.Snapshot()
	fmt.Printf("sent=%d received=%d\n", snap.Sent, snap.Received)
	// Output: sent=10 received=7
}

func ExampleSplitTarget() {
	fmt.Println(collector.SplitTarget(10, 4))
	// Output: [3 3 2 2]
}
