package main

import (
	"fmt"
	"log"
	"os"

	"github.com/communehub/commune/util"
)

func main() {
	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	root := newRootCmd(conf)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
