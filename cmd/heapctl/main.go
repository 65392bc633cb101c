// Command heapctl exercises heapkit heaps: it runs the reference scenarios,
// stress-tests concurrent allocation and dumps heap walks.
package main

func main() {
	execute()
}
