// Posture - Cloud compliance posture scanner
// Discover. Evaluate. Remember.
package main

func main() {
	Execute()
}
