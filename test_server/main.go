package main

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
)

var sink int

//go:noinline
func spin(n int) {
	for {
		for i := 0; i < n; i++ {
			sink += i
		}
	}
}

//go:noinline
func spinner() {
	spin(1 << 20)
}

func add(a, b int) int {
	return a + b
}

//go:noinline
func sleeper(d time.Duration) {
	sink = add(sink, 1)
	time.Sleep(d)
}

func main() {
	var wg sync.WaitGroup

	// A thread that is always running main.spin.
	wg.Add(1)
	go func() {
		defer wg.Done()
		runtime.LockOSThread()
		spinner()
	}()

	// Threads blocked in the kernel.
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runtime.LockOSThread()
			for {
				sleeper(time.Hour)
			}
		}()
	}

	fmt.Println("Target process ready")
	fmt.Println("- 1 thread spinning in main.spin")
	fmt.Println("- 3 threads sleeping")
	fmt.Fprintf(os.Stderr, "pid %d\n", os.Getpid())

	wg.Wait()
}
