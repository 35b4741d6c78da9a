package main

import "github.com/NamanBalaji/blobxfer/cmd"

func main() {
	cmd.Execute()
}
