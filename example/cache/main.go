package main

import (
	"fmt"
	"log"
	"runtime"

	"go.uber.org/zap"

	"github.com/swiftarium/weakref"
)

type document struct {
	path string
	body []byte
}

func (d *document) String() string {
	return fmt.Sprintf("%s (%d bytes)", d.path, len(d.body))
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	weakref.SetLogger(logger)

	cache, err := weakref.NewCache[string, document](
		weakref.WithName("documents"),
		weakref.WithKeepAlive(1),
	)
	if err != nil {
		log.Fatal(err)
	}

	for _, path := range []string{"a.txt", "b.txt", "a.txt"} {
		doc, err := cache.GetOrLoad(path, load)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println("got", weakref.Make(doc))
	}

	runtime.GC()
	runtime.GC()

	for _, path := range []string{"a.txt", "b.txt"} {
		if doc, ok := cache.Get(path); ok {
			fmt.Println("still cached:", doc)
		} else {
			fmt.Println("collected:", path)
		}
	}
}

func load(path string) (*document, error) {
	fmt.Println("loading", path)
	return &document{path: path, body: make([]byte, 1<<10)}, nil
}
