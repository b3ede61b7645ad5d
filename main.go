/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "chatbus/cmd"

func main() {
	cmd.Execute()
}
