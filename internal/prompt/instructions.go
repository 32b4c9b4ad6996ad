package prompt

import "github.com/cybergrind/dynamic-ralph/internal/workflow"

const summaryFooter = "\n\nEnd your response with a SUMMARY section (3-5 lines) capturing the key outcome."

var instructions = map[workflow.StepType]string{
	workflow.StepContextGathering: `## Step: Context Gathering

**You produce:** a context summary listing relevant files with paths, data models and schemas, existing patterns, related tests and current behavior.

### Instructions
- Explore only: read code, search for patterns, inspect models and schemas.
- Do not plan or decide anything yet.
- Write your findings to the story scratch file.

### Exit Criteria
Every area relevant to the story is identified and documented.`,

	workflow.StepPlanning: `## Step: Planning

**You produce:** an implementation plan covering what to change, in what order, with which approach and in which files.

### Instructions
- Base every decision on the gathered context.
- If the story needs more than one coding round, add or split steps through workflow editing.
- For simple stories, skip steps that add nothing (for example test_architecture for configuration-only work).
- Write the plan to the story scratch file.

### Exit Criteria
The plan covers every acceptance criterion and names the files to modify.`,

	workflow.StepArchitecture: `## Step: Architecture

**You produce:** architecture notes listing new and modified files, schema changes, migrations and import dependencies.

### Instructions
- Design the technical structure and check it respects the existing package boundaries.
- Call out migrations explicitly.
- Add or split coding steps through workflow editing when the work warrants it.

### Exit Criteria
All structural decisions are documented and dependencies verified.`,

	workflow.StepTestArchitecture: `## Step: Test Architecture

**You produce:** a test plan naming test files, key scenarios, fixtures and edge cases.

### Instructions
- Design tests independently from the implementation.
- Cover every acceptance criterion.
- Note which fixtures exist and which must be created.

### Exit Criteria
The test plan covers all acceptance criteria and fixture needs are known.`,

	workflow.StepCoding: `## Step: Coding

**You produce:** modified or created files committed to git.

### Instructions
- Implement production code and tests following the plans from earlier steps.
- Commit your changes with a descriptive message.
- If the work turns out larger than planned, add steps through workflow editing.

### Exit Criteria
All planned changes are implemented and the code builds.`,

	workflow.StepLinting: `## Step: Linting

**You produce:** a clean formatter and linter run with fixes committed.

### Instructions
- Run the project's formatters and linters.
- Fix every reported issue and re-run until clean.
- Commit the fixes with the message "style: fix lint issues".

### Exit Criteria
Formatters and linters report no issues.`,

	workflow.StepInitialTesting: `## Step: Initial Testing

**You produce:** test results with failures grouped by root cause.

### Instructions
- Run the tests relevant to the story.
- Categorize the root cause of each failure.
- When fixes are needed, add a coding, linting and initial_testing cycle through workflow editing.

### Exit Criteria
All relevant tests ran and every failure has a documented cause.`,

	workflow.StepReview: `## Step: Review

**You produce:** review notes verifying each acceptance criterion with specific code references.

### Instructions
- Cite the file and line implementing each acceptance criterion.
- A criterion you cannot cite is not met; flag it.
- Check error handling and edge cases.
- Add fix steps through workflow editing when issues remain.

### Exit Criteria
Every acceptance criterion is verified and no obvious issue remains.`,

	workflow.StepPruneTests: `## Step: Prune Tests

**You produce:** pruned test files committed to git.

### Instructions
- Remove tests that duplicate coverage or pin implementation details instead of behavior.
- Justify each removal.
- Keep tests covering distinct edge cases or acceptance criteria.

### Exit Criteria
No redundant tests remain and acceptance criteria stay covered.`,

	workflow.StepFinalReview: `## Step: Final Review

**You produce:** final verification that everything passes and a clean final commit.

### Instructions
- Run the linters and the test suite and confirm both pass.
- Confirm every acceptance criterion is met, citing file and line.
- If something is wrong, add fix steps before this one through workflow editing; this step runs again after them.
- Create a final commit summarizing the story's changes.

### Exit Criteria
Acceptance criteria, tests and linters all pass and the history is clean.`,
}

// Instructions returns the built-in instruction block for a step type.
func Instructions(t workflow.StepType) string {
	text, ok := instructions[t]
	if !ok {
		return ""
	}
	return text + summaryFooter
}
