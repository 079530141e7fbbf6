package main

import "github.com/ecweston/linkpersona/cmd"

func main() {
	cmd.Execute()
}
