// The main package for the venuecrawler executable.
package main

import (
	"github.com/JakeFAU/venue-crawler/cmd"
)

func main() {
	cmd.Execute()
}
