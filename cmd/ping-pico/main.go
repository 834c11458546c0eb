//go:build rp2040 || rp2350

package main

import (
	"runtime"
	"time"

	"rangefinder-go/drivers/ping"
	"rangefinder-go/internal/platform"
)

func main() {
	time.Sleep(3 * time.Second)

	println("[main] opening GP2 …")
	pin, err := platform.OpenGP(2)
	if err != nil {
		println("[main] pin error:", err.Error())
		return
	}

	rf, err := ping.New(ping.Config{
		ID:       "GP2",
		Pin:      pin,
		PeriodMs: 1000,
		OnError: func(err error) {
			println("[ping] error:", err.Error())
		},
	})
	if err != nil {
		println("[main] ranger error:", err.Error())
		return
	}
	rf.Subscribe(ping.SubscriberFunc(func(r ping.Reading) {
		println("Range:", r.Distance, "cm")
	}))
	rf.SetEnabled(true)

	for {
		printMem()
		time.Sleep(30 * time.Second)
	}
}

// printMem prints a compact snapshot of TinyGo runtime memory stats.
func printMem() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	println(
		"[mem]",
		"alloc:", uint32(ms.Alloc),
		"heapInuse:", uint32(ms.HeapInuse),
		"mallocs:", uint32(ms.Mallocs),
		"frees:", uint32(ms.Frees),
	)
}
