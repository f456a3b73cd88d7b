package main

import "chroot-tool/cmd"

func main() {
	cmd.Execute()
}
