// pdbdump inspects, dumps and rewrites managed PDB files.
package main

import "github.com/jtang613/mpdb/cmd/pdbdump/cmd"

func main() {
	cmd.Execute()
}
