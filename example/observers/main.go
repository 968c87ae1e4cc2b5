package main

import (
	"fmt"
	"log"
	"runtime"

	"github.com/swiftarium/weakref"
)

type listener struct {
	name string
}

func (l *listener) notify(event string) {
	fmt.Printf("%s <- %s\n", l.name, event)
}

func main() {
	observers, err := weakref.NewSet[listener]()
	if err != nil {
		log.Fatal(err)
	}

	ui := &listener{name: "ui"}
	observers.Add(ui)
	register(observers, "audit")

	broadcast(observers, "first")

	runtime.GC()
	runtime.GC()
	fmt.Println("compacted:", observers.Compact())

	broadcast(observers, "second")
	runtime.KeepAlive(ui)
}

// register adds a listener that nothing else references.
func register(s *weakref.Set[listener], name string) {
	s.Add(&listener{name: name})
}

func broadcast(s *weakref.Set[listener], event string) {
	s.Each(func(l *listener) bool {
		l.notify(event)
		return true
	})
}
